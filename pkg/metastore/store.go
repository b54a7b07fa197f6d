package metastore

import (
	"context"
	"time"

	"github.com/Rational-Boxes/depot/pkg/types"
)

// Store is the transactional contract over the namespace, version index,
// metadata pairs, ACL rows, access statistics and tenant admin. One mutation
// method is one transaction; failures are hard errors to the caller.
type Store interface {
	// File rows.
	InsertFile(ctx context.Context, tenant string, f *types.File) error
	GetByUID(ctx context.Context, tenant, uid string, includeDeleted bool) (*types.File, error)
	GetByNameAndParent(ctx context.Context, tenant, name, parentUID string, includeDeleted bool) (*types.File, error)
	UpdateName(ctx context.Context, tenant, uid, newName string) error
	UpdateParent(ctx context.Context, tenant, uid, newParentUID string) error
	UpdateModified(ctx context.Context, tenant, uid string, at time.Time) error
	SoftDelete(ctx context.Context, tenant, uid string) error
	Undelete(ctx context.Context, tenant, uid string) error
	ListChildren(ctx context.Context, tenant, parentUID string, includeDeleted bool) ([]*types.File, error)
	ListAll(ctx context.Context, tenant string) ([]*types.File, error)
	GetFileSize(ctx context.Context, tenant, uid string) (int64, error)
	GetDirectorySize(ctx context.Context, tenant, uid string) (int64, error)

	// Version index.
	AppendVersion(ctx context.Context, tenant string, v types.Version) error
	// AppendVersionAndSetCurrent is the put path: one transaction appends the
	// version row and flips current_version.
	AppendVersionAndSetCurrent(ctx context.Context, tenant string, v types.Version) error
	SetCurrentVersion(ctx context.Context, tenant, uid, versionTS string) error
	GetStoragePath(ctx context.Context, tenant, uid, versionTS string) (string, error)
	ListVersions(ctx context.Context, tenant, uid string) ([]types.Version, error)
	// RestoreToVersion duplicates the pointed-at version as a new top version
	// under newTS, reusing its storage path, and flips current_version. The
	// original row is preserved.
	RestoreToVersion(ctx context.Context, tenant, uid, versionTS, newTS string) (types.Version, error)
	DeleteVersion(ctx context.Context, tenant, uid, versionTS string) error

	// Metadata pairs.
	SetMetadata(ctx context.Context, tenant string, e types.MetadataEntry) error
	GetMetadata(ctx context.Context, tenant, uid, versionTS, key string) (string, error)
	GetAllMetadata(ctx context.Context, tenant, uid, versionTS string) ([]types.MetadataEntry, error)
	DeleteMetadata(ctx context.Context, tenant, uid, versionTS, key string) error

	// ACL rows. AddACL upserts, OR-ing bits into an existing row.
	AddACL(ctx context.Context, tenant string, entry types.ACLEntry) error
	RemoveACL(ctx context.Context, tenant, resourceUID, principal string, ptype types.PrincipalType) error
	GetACLsForResource(ctx context.Context, tenant, resourceUID string) ([]types.ACLEntry, error)
	GetUserACLs(ctx context.Context, tenant, user string) ([]types.ACLEntry, error)

	// Access statistics, host-scoped and global across tenants.
	TouchAccess(ctx context.Context, uid, host string) error
	LeastAccessed(ctx context.Context, host string, limit int) ([]types.AccessStat, error)
	InfrequentlyAccessed(ctx context.Context, host string, olderThan time.Duration) ([]types.AccessStat, error)

	// Tenant admin.
	CreateTenantSchema(ctx context.Context, tenant string) error
	TenantExists(ctx context.Context, tenant string) (bool, error)
	CleanupTenantData(ctx context.Context, tenant string) error
	ListTenants(ctx context.Context) ([]string, error)

	// Health.
	CheckConnection(ctx context.Context) error
	PrimaryAvailable() bool
	SetPrimaryAvailable(up bool)

	Close() error
}
