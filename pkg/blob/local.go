package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Rational-Boxes/depot/pkg/types"
)

const (
	localDirPerm  = 0o700
	localFilePerm = 0o600
)

// Local stores version payloads on the filesystem. Layout:
// base/tenant/uid[0:2]/uid[2:4]/uid[4:6]/uid/version_ts. The short prefix
// directories bound fan-out when a tenant holds millions of files.
type Local struct {
	base  string
	codec Codec
}

// NewLocal returns a local store rooted at base. codec may be nil for
// identity.
func NewLocal(base string, codec Codec) (*Local, error) {
	if codec == nil {
		codec = identityCodec{}
	}
	if err := os.MkdirAll(base, localDirPerm); err != nil {
		return nil, fmt.Errorf("creating storage base %q: %w", base, err)
	}
	return &Local{base: base, codec: codec}, nil
}

// Base returns the store's root directory.
func (l *Local) Base() string { return l.base }

// PathFor derives the relative storage path for a version. The same inputs
// always produce the same path.
func (l *Local) PathFor(uid, versionTS, tenant string) string {
	return filepath.Join(tenant, uid[0:2], uid[2:4], uid[4:6], uid, versionTS)
}

func (l *Local) abs(storagePath string) string {
	return filepath.Join(l.base, storagePath)
}

// Put encodes and writes one payload, creating parent directories on demand.
func (l *Local) Put(ctx context.Context, uid, versionTS string, data []byte, tenant string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", types.ErrCancelled, err)
	}
	encoded, err := l.codec.Encode(data)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w: %w", types.ErrIO, err)
	}
	storagePath := l.PathFor(uid, versionTS, tenant)
	p := l.abs(storagePath)
	if err := os.MkdirAll(filepath.Dir(p), localDirPerm); err != nil {
		return "", fmt.Errorf("creating blob dir: %w: %w", types.ErrIO, err)
	}
	if err := os.WriteFile(p, encoded, localFilePerm); err != nil {
		return "", fmt.Errorf("writing blob %q: %w: %w", storagePath, types.ErrIO, err)
	}
	return storagePath, nil
}

// Get reads and decodes the payload at storagePath.
func (l *Local) Get(ctx context.Context, storagePath, tenant string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrCancelled, err)
	}
	encoded, err := os.ReadFile(l.abs(storagePath))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %q: %w", storagePath, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w: %w", storagePath, types.ErrIO, err)
	}
	data, err := l.codec.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding blob %q: %w: %w", storagePath, types.ErrIO, err)
	}
	return data, nil
}

// Exists reports whether the path holds a payload.
func (l *Local) Exists(_ context.Context, storagePath, tenant string) (bool, error) {
	_, err := os.Stat(l.abs(storagePath))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob %q: %w: %w", storagePath, types.ErrIO, err)
	}
	return true, nil
}

// Delete removes the payload. The culler relies on this; a missing blob maps
// to ErrNotFound so repeated deletes are detectable but harmless.
func (l *Local) Delete(_ context.Context, storagePath, tenant string) error {
	err := os.Remove(l.abs(storagePath))
	if os.IsNotExist(err) {
		return fmt.Errorf("blob %q: %w", storagePath, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting blob %q: %w: %w", storagePath, types.ErrIO, err)
	}
	return nil
}

// EnsureTenant creates the tenant's subtree.
func (l *Local) EnsureTenant(tenant string) error {
	return os.MkdirAll(filepath.Join(l.base, tenant), localDirPerm)
}

// RemoveTenant deletes a tenant's entire local subtree.
func (l *Local) RemoveTenant(tenant string) error {
	return os.RemoveAll(filepath.Join(l.base, tenant))
}

// StoredVersion is one (tenant, uid, version) triple found on disk. Size is
// the on-disk byte count, after any codec.
type StoredVersion struct {
	Tenant      string
	UID         string
	VersionTS   string
	StoragePath string
	Size        int64
}

// Walk enumerates every stored version under the base, calling fn for each.
// Entries whose path does not parse as tenant/xx/yy/zz/uid/version_ts are
// skipped; the sync worker's startup scan validates uid and stamp shapes on
// top of this.
func (l *Local) Walk(fn func(StoredVersion) error) error {
	return filepath.Walk(l.base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.base, p)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 6 {
			return nil
		}
		return fn(StoredVersion{
			Tenant:      parts[0],
			UID:         parts[4],
			VersionTS:   parts[5],
			StoragePath: rel,
			Size:        info.Size(),
		})
	})
}
