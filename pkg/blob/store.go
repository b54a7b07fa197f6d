package blob

import "context"

// Store is the contract shared by the local filesystem tier and the remote
// object tier. Storage paths are opaque to callers; only the store that
// minted a path knows how to interpret it.
type Store interface {
	// Put writes one version payload and returns the storage path it is now
	// reachable under.
	Put(ctx context.Context, uid, versionTS string, data []byte, tenant string) (string, error)
	// Get reads the payload at a storage path previously returned by Put or
	// PathFor.
	Get(ctx context.Context, storagePath, tenant string) ([]byte, error)
	// Exists reports whether the path holds a payload.
	Exists(ctx context.Context, storagePath, tenant string) (bool, error)
	// Delete removes the payload. The remote tier refuses with ErrAppendOnly.
	Delete(ctx context.Context, storagePath, tenant string) error
	// PathFor deterministically derives the storage path for a version so the
	// sync worker can probe remote existence without the metadata store.
	PathFor(uid, versionTS, tenant string) string
}
