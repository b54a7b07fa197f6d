/*
Package api exposes the service's network surface: a gRPC server carrying
the standard health service plus the unary interceptors every future RPC
goes through, and an HTTP endpoint set for liveness, readiness and
Prometheus metrics.

The read-only interceptor mirrors the metadata store's availability flag:
while the primary database is down, mutating methods fail fast with
Unavailable instead of reaching a handler that would fail anyway.
*/
package api
