package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/types"
)

const tenant = "t1"

func openStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(Config{
		Driver:     "sqlite3",
		PrimaryDSN: filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateTenantSchema(context.Background(), tenant))
	return s
}

func newFile(name, parent string, ftype types.FileType) *types.File {
	now := time.Now()
	return &types.File{
		UID:        id.NewUID(),
		Name:       name,
		ParentUID:  parent,
		Type:       ftype,
		Owner:      "alice",
		ModeBits:   0o644,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

func insertRoot(t *testing.T, s *SQLStore) {
	t.Helper()
	root := &types.File{
		UID:        id.RootUID,
		Name:       "/",
		ParentUID:  id.RootUID,
		Type:       types.FileTypeDirectory,
		CreatedAt:  time.Now(),
		ModifiedAt: time.Now(),
	}
	require.NoError(t, s.InsertFile(context.Background(), tenant, root))
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	f := newFile("a.txt", id.RootUID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, f))

	got, err := s.GetByUID(ctx, tenant, f.UID, false)
	require.NoError(t, err)
	assert.Equal(t, f.Name, got.Name)
	assert.Equal(t, types.FileTypeRegular, got.Type)
	assert.Equal(t, "alice", got.Owner)
	assert.False(t, got.Deleted)

	byName, err := s.GetByNameAndParent(ctx, tenant, "a.txt", id.RootUID, false)
	require.NoError(t, err)
	assert.Equal(t, f.UID, byName.UID)

	_, err = s.GetByUID(ctx, tenant, id.NewUID(), false)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSiblingNameConflict(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	first := newFile("same", id.RootUID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, first))

	dup := newFile("same", id.RootUID, types.FileTypeRegular)
	assert.ErrorIs(t, s.InsertFile(ctx, tenant, dup), types.ErrConflict)

	// Soft-deleting the holder frees the name.
	require.NoError(t, s.SoftDelete(ctx, tenant, first.UID))
	second := newFile("same", id.RootUID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, second))

	// The deleted row now collides on undelete.
	assert.ErrorIs(t, s.Undelete(ctx, tenant, first.UID), types.ErrConflict)

	// Once the name is free again, undelete restores the row.
	require.NoError(t, s.SoftDelete(ctx, tenant, second.UID))
	require.NoError(t, s.Undelete(ctx, tenant, first.UID))
	got, err := s.GetByUID(ctx, tenant, first.UID, false)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
}

func TestSoftDeleteHidesFromListings(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	f := newFile("doomed", id.RootUID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, f))
	require.NoError(t, s.SoftDelete(ctx, tenant, f.UID))

	_, err := s.GetByUID(ctx, tenant, f.UID, false)
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err := s.GetByUID(ctx, tenant, f.UID, true)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.False(t, got.DeletedAt.IsZero())

	children, err := s.ListChildren(ctx, tenant, id.RootUID, false)
	require.NoError(t, err)
	assert.Empty(t, children)

	children, err = s.ListChildren(ctx, tenant, id.RootUID, true)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, f.UID, children[0].UID)
}

func TestListChildrenExcludesRootSelfLoop(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	children, err := s.ListChildren(ctx, tenant, id.RootUID, false)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestVersionAppendFlipAndOrder(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	f := newFile("v.txt", id.RootUID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, f))

	stamps := []string{"20260101_000000.000", "20260101_000000.001", "20260101_000001.000"}
	for i, ts := range stamps {
		require.NoError(t, s.AppendVersionAndSetCurrent(ctx, tenant, types.Version{
			FileUID:     f.UID,
			VersionTS:   ts,
			Size:        int64(i + 1),
			StoragePath: "p/" + ts,
			CreatedAt:   time.Now(),
		}))
	}

	got, err := s.GetByUID(ctx, tenant, f.UID, false)
	require.NoError(t, err)
	assert.Equal(t, stamps[2], got.CurrentVersion)

	versions, err := s.ListVersions(ctx, tenant, f.UID)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	// Newest first.
	assert.Equal(t, stamps[2], versions[0].VersionTS)
	assert.Equal(t, stamps[0], versions[2].VersionTS)

	// Invariant: current_version always references an existing version row.
	storagePath, err := s.GetStoragePath(ctx, tenant, f.UID, got.CurrentVersion)
	require.NoError(t, err)
	assert.Equal(t, "p/"+stamps[2], storagePath)

	size, err := s.GetFileSize(ctx, tenant, f.UID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

func TestDuplicateVersionStamp(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	f := newFile("v.txt", id.RootUID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, f))

	v := types.Version{FileUID: f.UID, VersionTS: "20260101_000000.000", Size: 1, StoragePath: "p", CreatedAt: time.Now()}
	require.NoError(t, s.AppendVersion(ctx, tenant, v))
	assert.ErrorIs(t, s.AppendVersion(ctx, tenant, v), types.ErrConflict)
}

func TestRestoreToVersionPreservesOriginal(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	f := newFile("r.txt", id.RootUID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, f))

	require.NoError(t, s.AppendVersionAndSetCurrent(ctx, tenant, types.Version{
		FileUID: f.UID, VersionTS: "20260101_000000.000", Size: 2, StoragePath: "p/old", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AppendVersionAndSetCurrent(ctx, tenant, types.Version{
		FileUID: f.UID, VersionTS: "20260101_000001.000", Size: 5, StoragePath: "p/new", CreatedAt: time.Now(),
	}))

	restored, err := s.RestoreToVersion(ctx, tenant, f.UID, "20260101_000000.000", "20260101_000002.000")
	require.NoError(t, err)
	assert.Equal(t, "p/old", restored.StoragePath)
	assert.Equal(t, int64(2), restored.Size)

	versions, err := s.ListVersions(ctx, tenant, f.UID)
	require.NoError(t, err)
	assert.Len(t, versions, 3)

	got, err := s.GetByUID(ctx, tenant, f.UID, false)
	require.NoError(t, err)
	assert.Equal(t, "20260101_000002.000", got.CurrentVersion)

	_, err = s.RestoreToVersion(ctx, tenant, f.UID, "19990101_000000.000", "20260101_000003.000")
	assert.ErrorIs(t, err, types.ErrNoSuchVersion)
}

func TestDirectorySizeRecursive(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	dir := newFile("docs", id.RootUID, types.FileTypeDirectory)
	require.NoError(t, s.InsertFile(ctx, tenant, dir))
	sub := newFile("drafts", dir.UID, types.FileTypeDirectory)
	require.NoError(t, s.InsertFile(ctx, tenant, sub))

	top := newFile("a", dir.UID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, top))
	nested := newFile("b", sub.UID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, nested))

	require.NoError(t, s.AppendVersionAndSetCurrent(ctx, tenant, types.Version{
		FileUID: top.UID, VersionTS: "20260101_000000.000", Size: 10, StoragePath: "p/a", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AppendVersionAndSetCurrent(ctx, tenant, types.Version{
		FileUID: nested.UID, VersionTS: "20260101_000000.000", Size: 7, StoragePath: "p/b", CreatedAt: time.Now(),
	}))

	size, err := s.GetDirectorySize(ctx, tenant, dir.UID)
	require.NoError(t, err)
	assert.Equal(t, int64(17), size)

	// Root covers everything too, despite its self-loop.
	size, err = s.GetDirectorySize(ctx, tenant, id.RootUID)
	require.NoError(t, err)
	assert.Equal(t, int64(17), size)
}

func TestMetadataUpsert(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	e := types.MetadataEntry{FileUID: "u1", VersionTS: "ts1", Key: "mime", Value: "text/plain"}
	require.NoError(t, s.SetMetadata(ctx, tenant, e))

	v, err := s.GetMetadata(ctx, tenant, "u1", "ts1", "mime")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", v)

	e.Value = "application/json"
	require.NoError(t, s.SetMetadata(ctx, tenant, e))
	v, err = s.GetMetadata(ctx, tenant, "u1", "ts1", "mime")
	require.NoError(t, err)
	assert.Equal(t, "application/json", v)

	require.NoError(t, s.SetMetadata(ctx, tenant, types.MetadataEntry{
		FileUID: "u1", VersionTS: "ts1", Key: "author", Value: "alice",
	}))
	all, err := s.GetAllMetadata(ctx, tenant, "u1", "ts1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteMetadata(ctx, tenant, "u1", "ts1", "mime"))
	_, err = s.GetMetadata(ctx, tenant, "u1", "ts1", "mime")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestACLUpsertORsBits(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	entry := types.ACLEntry{
		ResourceUID:   "res",
		Principal:     "bob",
		PrincipalType: types.PrincipalUser,
		Permissions:   types.PermRead,
	}
	require.NoError(t, s.AddACL(ctx, tenant, entry))

	entry.Permissions = types.PermWrite
	require.NoError(t, s.AddACL(ctx, tenant, entry))

	rows, err := s.GetACLsForResource(ctx, tenant, "res")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Permissions.Has(types.PermRead|types.PermWrite))

	user, err := s.GetUserACLs(ctx, tenant, "bob")
	require.NoError(t, err)
	assert.Len(t, user, 1)

	require.NoError(t, s.RemoveACL(ctx, tenant, "res", "bob", types.PrincipalUser))
	rows, err = s.GetACLsForResource(ctx, tenant, "res")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestAccessStats(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.TouchAccess(ctx, "u1", "host-a"))
	require.NoError(t, s.TouchAccess(ctx, "u1", "host-a"))
	require.NoError(t, s.TouchAccess(ctx, "u2", "host-a"))
	require.NoError(t, s.TouchAccess(ctx, "u3", "host-b"))

	stats, err := s.LeastAccessed(ctx, "host-a", 10)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	for _, st := range stats {
		assert.Equal(t, "host-a", st.Host)
	}

	var u1 types.AccessStat
	for _, st := range stats {
		if st.FileUID == "u1" {
			u1 = st
		}
	}
	assert.Equal(t, int64(2), u1.AccessCount)

	// A negative window moves the cutoff into the future so every row on the
	// host qualifies as idle.
	idle, err := s.InfrequentlyAccessed(ctx, "host-a", -time.Hour)
	require.NoError(t, err)
	assert.Len(t, idle, 2)
	// Least counted first.
	assert.Equal(t, "u2", idle[0].FileUID)

	idle, err = s.InfrequentlyAccessed(ctx, "host-a", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, idle)
}

func TestTenantAdmin(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	ok, err := s.TenantExists(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TenantExists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	// Idempotent re-provisioning.
	require.NoError(t, s.CreateTenantSchema(ctx, tenant))

	require.NoError(t, s.CreateTenantSchema(ctx, "t2"))
	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tenant, "t2"}, tenants)

	require.NoError(t, s.CleanupTenantData(ctx, "t2"))
	ok, err = s.TenantExists(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Rejects raw identifiers.
	assert.Error(t, s.CreateTenantSchema(ctx, "bad;drop"))
}

func TestReadOnlyGate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	s.SetPrimaryAvailable(false)
	assert.False(t, s.PrimaryAvailable())

	f := newFile("x", id.RootUID, types.FileTypeRegular)
	assert.ErrorIs(t, s.InsertFile(ctx, tenant, f), types.ErrReadOnly)
	assert.ErrorIs(t, s.SoftDelete(ctx, tenant, id.RootUID), types.ErrReadOnly)
	assert.ErrorIs(t, s.AppendVersion(ctx, tenant, types.Version{FileUID: "u", VersionTS: "t"}), types.ErrReadOnly)
	assert.ErrorIs(t, s.AddACL(ctx, tenant, types.ACLEntry{}), types.ErrReadOnly)

	// Reads keep working (no replica configured, so the primary handle still
	// serves them; routing is exercised in the engine tests).
	_, err := s.GetByUID(ctx, tenant, id.RootUID, false)
	require.NoError(t, err)

	s.SetPrimaryAvailable(true)
	require.NoError(t, s.InsertFile(ctx, tenant, f))
}

func TestDeleteVersionRemovesMetadata(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	insertRoot(t, s)

	f := newFile("p.txt", id.RootUID, types.FileTypeRegular)
	require.NoError(t, s.InsertFile(ctx, tenant, f))
	require.NoError(t, s.AppendVersion(ctx, tenant, types.Version{
		FileUID: f.UID, VersionTS: "ts1", Size: 1, StoragePath: "p", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.SetMetadata(ctx, tenant, types.MetadataEntry{
		FileUID: f.UID, VersionTS: "ts1", Key: "k", Value: "v",
	}))

	require.NoError(t, s.DeleteVersion(ctx, tenant, f.UID, "ts1"))
	_, err := s.GetMetadata(ctx, tenant, f.UID, "ts1", "k")
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.ErrorIs(t, s.DeleteVersion(ctx, tenant, f.UID, "ts1"), types.ErrNoSuchVersion)
}
