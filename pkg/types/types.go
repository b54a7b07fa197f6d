package types

import (
	"time"
)

// DefaultTenant is the tenant every empty tenant argument resolves to.
const DefaultTenant = "default"

// File represents one row in a tenant's namespace. Directories and symlinks
// share the same shape; version fields only apply to regular files.
type File struct {
	UID            string
	Name           string
	Path           string // informational; UID lookups are authoritative
	ParentUID      string
	Type           FileType
	Owner          string
	ModeBits       uint32 // legacy POSIX bits, returned by stat, never consulted by ACLs
	CurrentVersion string // empty for directories and never-written files
	CreatedAt      time.Time
	ModifiedAt     time.Time
	Deleted        bool
	DeletedAt      time.Time
}

// FileType is a closed enumeration of namespace entry kinds.
type FileType string

const (
	FileTypeRegular   FileType = "file"
	FileTypeDirectory FileType = "directory"
	FileTypeSymlink   FileType = "symlink"
)

// Version is one immutable content version of a file.
type Version struct {
	FileUID     string
	VersionTS   string
	Size        int64
	StoragePath string // opaque to everything but the blob store that minted it
	CreatedAt   time.Time
}

// FileInfo is what stat returns: the file row plus the latest version size.
type FileInfo struct {
	File
	Size int64
}

// MetadataEntry is one key/value pair attached to a specific file version.
type MetadataEntry struct {
	FileUID   string
	VersionTS string
	Key       string
	Value     string
}

// PrincipalType is a closed enumeration of ACL principal kinds.
type PrincipalType string

const (
	PrincipalUser  PrincipalType = "user"
	PrincipalGroup PrincipalType = "group"
	PrincipalRole  PrincipalType = "role"
	PrincipalOther PrincipalType = "other"
)

// Permission is a bitmask over the rights a principal can hold on a resource.
type Permission uint32

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermDelete
	PermListDeleted
	PermUndelete
	PermViewVersions
	PermRetrieveBackVersion
	PermRestoreToVersion
	PermExecute
)

const (
	// PermNone grants nothing.
	PermNone Permission = 0
	// PermAll grants every defined bit.
	PermAll = PermRead | PermWrite | PermDelete | PermListDeleted |
		PermUndelete | PermViewVersions | PermRetrieveBackVersion |
		PermRestoreToVersion | PermExecute
)

// Has reports whether every bit in required is present in p.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// ACLEntry is one permission row. At most one row exists per
// (resource, principal, principal type).
type ACLEntry struct {
	ResourceUID   string
	Principal     string
	PrincipalType PrincipalType
	Permissions   Permission
}

// AccessStat feeds the culler's LRU/LFU candidate selection. Stats are
// host-scoped and global across tenants.
type AccessStat struct {
	FileUID      string
	Host         string
	LastAccessed time.Time
	AccessCount  int64
}

// Caller is the authenticated identity an operation runs as.
type Caller struct {
	User   string
	Roles  []string
	Tenant string
}

// CullStrategy selects how the culler ranks eviction candidates.
type CullStrategy string

const (
	CullLRU CullStrategy = "lru"
	CullLFU CullStrategy = "lfu"
)
