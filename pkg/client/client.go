package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Client wraps the depot gRPC client.
type Client struct {
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

// New dials a depot server. Transport security is deferred to the
// deployment's ingress for now.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		health: grpc_health_v1.NewHealthClient(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Status describes the probed server.
type Status struct {
	Serving bool
	// Writable is false while the server is in read-only mode.
	Writable bool
}

// Check probes the server's overall and read-write health services.
func (c *Client) Check(ctx context.Context) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	overall, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return Status{}, fmt.Errorf("health check: %w", err)
	}
	st := Status{
		Serving: overall.Status == grpc_health_v1.HealthCheckResponse_SERVING,
	}

	rw, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "readwrite"})
	if err == nil {
		st.Writable = rw.Status == grpc_health_v1.HealthCheckResponse_SERVING
	}
	return st, nil
}
