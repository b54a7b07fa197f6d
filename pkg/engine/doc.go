/*
Package engine composes the metadata store, the three storage tiers and the
ACL evaluator into the operation surface the API exposes.

Every operation takes a caller identity and a resolved tenant name, checks
permissions against the resource's ACL rows, then runs one metadata
transaction plus whatever blob I/O the operation needs. Writes land in the
local tier synchronously; replication to the object store is recorded in
the tracker and picked up by the sync worker. Reads walk cache, local
store, then object store.
*/
package engine
