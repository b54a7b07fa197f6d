// Package tenant resolves caller-supplied tenant identifiers into
// provisioned storage bundles. Every tenant gets its own table prefix in
// the metadata store, its own directory tree in the local blob store and
// its own key prefix in the object store; the router normalises names,
// provisions lazily on first sight and caches what it has already seen.
// With multi-tenancy disabled every identifier resolves to the default
// tenant.
package tenant
