/*
Package id mints file identifiers and version timestamps.

UIDs are random v4 UUIDs; RootUID is the reserved zero value used by every
tenant's self-parenting root row. Version timestamps sort lexicographically
in creation order within one process, which is what the version index relies
on for newest-first listings.
*/
package id
