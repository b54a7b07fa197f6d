/*
Package types defines the core data structures used throughout depot.

It contains the domain model shared by every other package: namespace rows
(files, directories, symlinks), immutable content versions, per-version
metadata pairs, ACL entries with the permission bitmask, host-scoped access
statistics, and the service-wide error taxonomy.

Types here carry no behaviour beyond trivial accessors; persistence lives in
pkg/metastore and policy in pkg/acl and pkg/engine.
*/
package types
