package tenant

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rational-Boxes/depot/pkg/blob"
	"github.com/Rational-Boxes/depot/pkg/metastore"
	"github.com/Rational-Boxes/depot/pkg/types"
)

func newRouter(t *testing.T, enabled bool) *Router {
	t.Helper()
	meta, err := metastore.Open(metastore.Config{
		Driver:     "sqlite3",
		PrimaryDSN: filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	codec, err := blob.NewCodec(false, nil)
	require.NoError(t, err)
	local, err := blob.NewLocal(t.TempDir(), codec)
	require.NoError(t, err)

	return NewRouter(enabled, meta, local, blob.NewMemory(true), nil)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "Acme-Corp", want: "acme_corp"},
		{raw: "acme.corp", want: "acme_corp"},
		{raw: " acme corp ", want: "acme_corp"},
		{raw: "tenant_1", want: "tenant_1"},
		{raw: "", wantErr: true},
		{raw: "bad/slash", wantErr: true},
		{raw: "sp;ql", wantErr: true},
		{raw: string(make([]byte, 80)), wantErr: true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.raw)
		if tt.wantErr {
			assert.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}
}

func TestResolveProvisionsOnFirstSight(t *testing.T) {
	ctx := context.Background()
	r := newRouter(t, true)

	name, err := r.Resolve(ctx, "Acme-Corp")
	require.NoError(t, err)
	assert.Equal(t, "acme_corp", name)
	assert.True(t, r.Known("acme_corp"))

	ok, err := r.meta.TenantExists(ctx, "acme_corp")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second resolve hits the cache, same answer.
	name, err = r.Resolve(ctx, "acme.corp")
	require.NoError(t, err)
	assert.Equal(t, "acme_corp", name)
}

func TestResolveRejectsInvalidNames(t *testing.T) {
	r := newRouter(t, true)
	_, err := r.Resolve(context.Background(), "no/slashes")
	assert.Error(t, err)
}

func TestDisabledPinsToDefault(t *testing.T) {
	ctx := context.Background()
	r := newRouter(t, false)

	for _, raw := range []string{"", "acme", "Whatever-Else"} {
		name, err := r.Resolve(ctx, raw)
		require.NoError(t, err)
		assert.Equal(t, types.DefaultTenant, name)
	}

	tenants, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{types.DefaultTenant}, tenants)
}

func TestEmptyIdentifierMeansDefault(t *testing.T) {
	r := newRouter(t, true)
	name, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultTenant, name)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	r := newRouter(t, true)

	_, err := r.Resolve(ctx, "victim")
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, "victim"))
	assert.False(t, r.Known("victim"))

	ok, err := r.meta.TenantExists(ctx, "victim")
	require.NoError(t, err)
	assert.False(t, ok)

	// The default tenant is not removable.
	_, err = r.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Error(t, r.Remove(ctx, types.DefaultTenant))
}
