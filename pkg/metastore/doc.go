/*
Package metastore persists the authoritative namespace and version index.

The Store interface covers file rows, immutable version rows, per-version
metadata pairs, ACL rows, host-scoped access statistics and tenant admin.
SQLStore implements it over database/sql with sqlite3 (embedded) or mysql
(server) drivers; every tenant gets its own table prefix, while access
statistics and the tenant registry are global.

A primary/replica pair backs read-only mode: the DB monitor worker flips
PrimaryAvailable, mutations are rejected with ErrReadOnly before any
connection is acquired, and reads fall back to the replica.
*/
package metastore
