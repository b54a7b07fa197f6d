package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/metrics"
	"github.com/Rational-Boxes/depot/pkg/tracker"
)

// bucketProber is the slice of the object store the readiness check needs.
type bucketProber interface {
	BucketExists(ctx context.Context) (bool, error)
}

// HealthServer provides the HTTP health, readiness and metrics endpoints.
type HealthServer struct {
	meta   metastore.Store
	remote bucketProber
	track  *tracker.Tracker
	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer creates the endpoint set. remote and track may be nil
// when the deployment has no object store.
func NewHealthServer(meta metastore.Store, remote bucketProber, track *tracker.Tracker) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		meta:   meta,
		remote: remote,
		track:  track,
		mux:    mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the HTTP server and blocks until it is shut down.
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return hs.server.ListenAndServe()
}

// Stop shuts the HTTP server down, draining in-flight requests.
func (hs *HealthServer) Stop(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the readiness payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 while the process runs.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler reports whether the service can take traffic. Read-only mode
// is ready with a degraded note; an unreachable object store only degrades
// replication, never readiness.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := hs.meta.CheckConnection(ctx); err != nil {
		checks["metadata"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Metadata store not accessible"
	} else if hs.meta.PrimaryAvailable() {
		checks["metadata"] = "ok"
	} else {
		checks["metadata"] = "read-only"
		if message == "" {
			message = "Mutations suspended, primary database unavailable"
		}
	}

	if hs.remote != nil {
		if ok, err := hs.remote.BucketExists(ctx); err != nil || !ok {
			checks["object_store"] = fmt.Sprintf("unreachable: %v", err)
		} else {
			checks["object_store"] = "ok"
		}
	}

	if hs.track != nil {
		if n, err := hs.track.PendingCount(); err == nil {
			checks["sync_queue"] = fmt.Sprintf("%d pending", n)
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
