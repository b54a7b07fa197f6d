package types

import "errors"

// Sentinel errors for the service-wide error taxonomy. Callers discriminate
// with errors.Is; messages added by wrapping stay human-readable.
var (
	// ErrNotFound: a referenced uid, version, or tenant does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict: unique-name violation or a name/parent race.
	ErrConflict = errors.New("name conflict")
	// ErrCycle: a move would place a directory under its own subtree.
	ErrCycle = errors.New("directory cycle")
	// ErrDenied: the ACL check failed.
	ErrDenied = errors.New("permission denied")
	// ErrNoVersion: the file has never been written.
	ErrNoVersion = errors.New("file has no version")
	// ErrNoSuchVersion: the requested version timestamp does not exist.
	ErrNoSuchVersion = errors.New("no such version")
	// ErrOversized: the payload cannot fit the cache even after full eviction.
	ErrOversized = errors.New("payload exceeds cache capacity")
	// ErrIO: a blob read or write failed.
	ErrIO = errors.New("blob i/o failure")
	// ErrReadOnly: the primary metadata store is unavailable; mutations are
	// rejected. Distinct from ErrIO so clients can tell "retry later" from
	// "retry elsewhere".
	ErrReadOnly = errors.New("service is in read-only mode")
	// ErrBusy: a sync pass is already in flight.
	ErrBusy = errors.New("sync already in progress")
	// ErrCancelled: the caller's deadline elapsed.
	ErrCancelled = errors.New("operation cancelled")
	// ErrAppendOnly: a delete or overwrite was attempted on the object store.
	ErrAppendOnly = errors.New("object store is append-only")
	// ErrInternal: invariant violation; logged and surfaced.
	ErrInternal = errors.New("internal error")
)
