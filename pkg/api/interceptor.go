package api

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Rational-Boxes/depot/pkg/log"
	"github.com/Rational-Boxes/depot/pkg/metastore"
)

// LoggingInterceptor logs every unary call with its duration and outcome.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		evt := log.WithComponent("api").Debug()
		if err != nil {
			evt = log.WithComponent("api").Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Msg("Unary call")
		return resp, err
	}
}

// ReadOnlyInterceptor rejects mutating methods while the primary metadata
// database is unavailable. Reads keep flowing from the replica.
func ReadOnlyInterceptor(meta metastore.Store) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !meta.PrimaryAvailable() && !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Error(
				codes.Unavailable,
				"service is in read-only mode: primary metadata database unavailable",
			)
		}
		return handler(ctx, req)
	}
}

// isReadOnlyMethod classifies a gRPC method by its name.
func isReadOnlyMethod(method string) bool {
	parts := strings.Split(method, "/")
	if len(parts) < 2 {
		return false
	}
	name := parts[len(parts)-1]

	readOnlyPrefixes := []string{
		"Get",
		"List",
		"Stat",
		"Exists",
		"Check",
		"Watch",
		"Describe",
	}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	// Default: block while read-only.
	return false
}
