package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Rational-Boxes/depot/pkg/blob"
	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/tracker"
)

func openMeta(t *testing.T) *metastore.SQLStore {
	t.Helper()
	meta, err := metastore.Open(metastore.Config{
		Driver:     "sqlite3",
		PrimaryDSN: filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })
	return meta
}

func TestHealthEndpoint(t *testing.T) {
	hs := NewHealthServer(openMeta(t), nil, nil)

	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)

	rec = httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadyEndpoint(t *testing.T) {
	meta := openMeta(t)
	remote := blob.NewMemory(true)
	track, err := tracker.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { track.Close() })

	hs := NewHealthServer(meta, remote, track)

	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["metadata"])
	assert.Equal(t, "ok", resp.Checks["object_store"])
	assert.Equal(t, "0 pending", resp.Checks["sync_queue"])
}

func TestReadyEndpointReadOnlyStaysReady(t *testing.T) {
	meta := openMeta(t)
	meta.SetPrimaryAvailable(false)
	hs := NewHealthServer(meta, nil, nil)

	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	// sqlite's connection still answers the probe, so the monitor's flag is
	// what marks the degradation.
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "read-only", resp.Checks["metadata"])
	assert.NotEmpty(t, resp.Message)
}

func TestMetricsEndpoint(t *testing.T) {
	hs := NewHealthServer(openMeta(t), nil, nil)

	rec := httptest.NewRecorder()
	hs.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "depot_")
}

func TestIsReadOnlyMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"/depot.Files/GetFile", true},
		{"/depot.Files/ListVersions", true},
		{"/depot.Files/StatFile", true},
		{"/depot.Files/ExistsFile", true},
		{"/depot.Files/CheckAccess", true},
		{"/depot.Files/PutFile", false},
		{"/depot.Files/RemoveFile", false},
		{"/depot.Files/RestoreToVersion", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isReadOnlyMethod(tt.method), tt.method)
	}
}

func TestReadOnlyInterceptor(t *testing.T) {
	meta := openMeta(t)
	interceptor := ReadOnlyInterceptor(meta)

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	}
	write := &grpc.UnaryServerInfo{FullMethod: "/depot.Files/PutFile"}
	read := &grpc.UnaryServerInfo{FullMethod: "/depot.Files/GetFile"}

	// Writes pass while the primary is up.
	resp, err := interceptor(context.Background(), nil, write, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	meta.SetPrimaryAvailable(false)

	_, err = interceptor(context.Background(), nil, write, handler)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	// Reads still pass.
	resp, err = interceptor(context.Background(), nil, read, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}
