package worker

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rational-Boxes/depot/pkg/blob"
	"github.com/Rational-Boxes/depot/pkg/id"
	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/tracker"
	"github.com/Rational-Boxes/depot/pkg/types"
)

const cullHost = "host-a"

type cullFixture struct {
	meta  *metastore.SQLStore
	local *blob.Local
	track *tracker.Tracker
}

func newCullFixture(t *testing.T) *cullFixture {
	t.Helper()
	meta, err := metastore.Open(metastore.Config{
		Driver:     "sqlite3",
		PrimaryDSN: filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	local, err := blob.NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	track, err := tracker.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { track.Close() })

	return &cullFixture{meta: meta, local: local, track: track}
}

// seed writes one version locally, optionally marking it replicated and
// touching its access statistic.
func (fx *cullFixture) seed(t *testing.T, uid, ts string, size int, synced bool, touches int) {
	t.Helper()
	ctx := context.Background()
	path, err := fx.local.Put(ctx, uid, ts, make([]byte, size), testTenant)
	require.NoError(t, err)
	rec := tracker.Record{Tenant: testTenant, UID: uid, VersionTS: ts, StoragePath: path, Size: int64(size)}
	require.NoError(t, fx.track.MarkPending(rec))
	if synced {
		require.NoError(t, fx.track.MarkSynced(testTenant, uid, ts))
	}
	for i := 0; i < touches; i++ {
		require.NoError(t, fx.meta.TouchAccess(ctx, uid, cullHost))
	}
}

func TestCullUnderBudgetDoesNothing(t *testing.T) {
	fx := newCullFixture(t)
	fx.seed(t, id.NewUID(), "20260101_000000.000", 100, true, 1)

	c := NewCuller(CullerConfig{
		Meta: fx.meta, Local: fx.local, Tracker: fx.track,
		Host: cullHost, MaxLocalBytes: 1000,
	})
	culled, err := c.CullOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, culled)
}

func TestCullEvictsColdestReplicated(t *testing.T) {
	ctx := context.Background()
	fx := newCullFixture(t)

	cold := id.NewUID()
	warm := id.NewUID()
	fx.seed(t, cold, "20260101_000000.000", 400, true, 1)
	fx.seed(t, warm, "20260101_000001.000", 400, true, 5)

	// 800 bytes against a 500 byte budget: one eviction suffices, and the
	// least recently touched file goes first.
	c := NewCuller(CullerConfig{
		Meta: fx.meta, Local: fx.local, Tracker: fx.track,
		Host: cullHost, MaxLocalBytes: 500, Strategy: types.CullLRU,
	})
	culled, err := c.CullOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, culled)

	gone, err := fx.local.Exists(ctx, fx.local.PathFor(cold, "20260101_000000.000", testTenant), testTenant)
	require.NoError(t, err)
	assert.False(t, gone)

	kept, err := fx.local.Exists(ctx, fx.local.PathFor(warm, "20260101_000001.000", testTenant), testTenant)
	require.NoError(t, err)
	assert.True(t, kept)
}

func TestCullNeverEvictsSoleCopy(t *testing.T) {
	ctx := context.Background()
	fx := newCullFixture(t)

	uid := id.NewUID()
	fx.seed(t, uid, "20260101_000000.000", 800, false, 1)

	c := NewCuller(CullerConfig{
		Meta: fx.meta, Local: fx.local, Tracker: fx.track,
		Host: cullHost, MaxLocalBytes: 100,
	})
	culled, err := c.CullOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, culled)

	still, err := fx.local.Exists(ctx, fx.local.PathFor(uid, "20260101_000000.000", testTenant), testTenant)
	require.NoError(t, err)
	assert.True(t, still)
}

func TestCullKeepsPayloadSharedWithPendingRestore(t *testing.T) {
	ctx := context.Background()
	fx := newCullFixture(t)

	uid := id.NewUID()
	fx.seed(t, uid, "20260101_000000.000", 800, true, 1)

	// A restore minted a new stamp that reuses the replicated version's
	// payload path; until the new stamp replicates, that payload is the
	// restore's only copy.
	path := fx.local.PathFor(uid, "20260101_000000.000", testTenant)
	require.NoError(t, fx.track.MarkPending(tracker.Record{
		Tenant: testTenant, UID: uid, VersionTS: "20260102_000000.000",
		StoragePath: path, Size: 800,
	}))

	c := NewCuller(CullerConfig{
		Meta: fx.meta, Local: fx.local, Tracker: fx.track,
		Host: cullHost, MaxLocalBytes: 100,
	})
	culled, err := c.CullOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, culled)

	still, err := fx.local.Exists(ctx, path, testTenant)
	require.NoError(t, err)
	assert.True(t, still)

	// Once the restored stamp replicates the payload is fair game again.
	require.NoError(t, fx.track.MarkSynced(testTenant, uid, "20260102_000000.000"))
	culled, err = c.CullOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, culled)
}

func TestCullBatchCap(t *testing.T) {
	ctx := context.Background()
	fx := newCullFixture(t)

	for i := 0; i < 5; i++ {
		fx.seed(t, id.NewUID(), "20260101_000000.000", 100, true, 1)
	}

	c := NewCuller(CullerConfig{
		Meta: fx.meta, Local: fx.local, Tracker: fx.track,
		Host: cullHost, MaxLocalBytes: 1, BatchSize: 2,
	})
	culled, err := c.CullOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, culled)
}

func TestCullLFUUsesIdleWindow(t *testing.T) {
	ctx := context.Background()
	fx := newCullFixture(t)

	uid := id.NewUID()
	fx.seed(t, uid, "20260101_000000.000", 800, true, 1)

	// Touched moments ago: outside any positive idle window, so LFU finds no
	// ranked candidate; the unranked fallback still reclaims it.
	c := NewCuller(CullerConfig{
		Meta: fx.meta, Local: fx.local, Tracker: fx.track,
		Host: cullHost, MaxLocalBytes: 100, Strategy: types.CullLFU,
	})
	culled, err := c.CullOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, culled)
}

func TestCullDisabledWithoutBudget(t *testing.T) {
	fx := newCullFixture(t)
	fx.seed(t, id.NewUID(), "20260101_000000.000", 100, true, 0)

	c := NewCuller(CullerConfig{Meta: fx.meta, Local: fx.local, Tracker: fx.track, Host: cullHost})
	culled, err := c.CullOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, culled)
}
