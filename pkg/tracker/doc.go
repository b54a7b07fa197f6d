// Package tracker records which versions have been replicated to the
// object store. It is a small bbolt database on the local disk, so the
// syncer can survive restarts without rescanning the metadata store: a
// version moves from the pending bucket to the synced bucket exactly once,
// and the culler refuses to evict any local blob whose version is still
// pending.
package tracker
