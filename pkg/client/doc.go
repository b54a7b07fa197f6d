// Package client wraps the gRPC connection to a depot server for CLI
// usage. Until a typed per-operation RPC surface lands, the client speaks
// the standard health service.
package client
