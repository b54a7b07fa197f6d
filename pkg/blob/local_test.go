package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rational-Boxes/depot/pkg/types"
)

const testUID = "3f2504e0-4f89-11d3-9a0c-0305e82c3301"

func TestLocalPathLayout(t *testing.T) {
	l, err := NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	p := l.PathFor(testUID, "20260314_150926.535", "t1")
	assert.Equal(t, filepath.Join("t1", "3f", "25", "04", testUID, "20260314_150926.535"), p)

	// Deterministic across calls.
	assert.Equal(t, p, l.PathFor(testUID, "20260314_150926.535", "t1"))
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	payload := []byte("hello versioned world")
	storagePath, err := l.Put(ctx, testUID, "20260101_000000.000", payload, "t1")
	require.NoError(t, err)

	got, err := l.Get(ctx, storagePath, "t1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	ok, err := l.Exists(ctx, storagePath, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalRoundTripWithCodecs(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		key      []byte
	}{
		{"gzip only", true, nil},
		{"aes only", false, bytes.Repeat([]byte{7}, 32)},
		{"gzip then aes", true, bytes.Repeat([]byte{9}, 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			codec, err := NewCodec(tt.compress, tt.key)
			require.NoError(t, err)
			l, err := NewLocal(t.TempDir(), codec)
			require.NoError(t, err)

			payload := bytes.Repeat([]byte("versioned payload "), 64)
			storagePath, err := l.Put(ctx, testUID, "20260101_000000.000", payload, "t1")
			require.NoError(t, err)

			// The on-disk bytes must differ from the payload when a codec is on.
			raw, err := os.ReadFile(filepath.Join(l.Base(), storagePath))
			require.NoError(t, err)
			assert.NotEqual(t, payload, raw)

			got, err := l.Get(ctx, storagePath, "t1")
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestLocalGetMissing(t *testing.T) {
	l, err := NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = l.Get(context.Background(), "t1/no/such/blob", "t1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLocalDelete(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	storagePath, err := l.Put(ctx, testUID, "20260101_000000.000", []byte("x"), "t1")
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, storagePath, "t1"))

	ok, err := l.Exists(ctx, storagePath, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, l.Delete(ctx, storagePath, "t1"), types.ErrNotFound)
}

func TestLocalWalk(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = l.Put(ctx, testUID, "20260101_000000.000", []byte("a"), "t1")
	require.NoError(t, err)
	_, err = l.Put(ctx, testUID, "20260101_000000.001", []byte("b"), "t1")
	require.NoError(t, err)

	var found []StoredVersion
	require.NoError(t, l.Walk(func(v StoredVersion) error {
		found = append(found, v)
		return nil
	}))

	require.Len(t, found, 2)
	for _, v := range found {
		assert.Equal(t, "t1", v.Tenant)
		assert.Equal(t, testUID, v.UID)
	}
}

func TestMemoryAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(true)

	key, err := s.Put(ctx, testUID, "20260101_000000.000", []byte("v1"), "t1")
	require.NoError(t, err)

	// Idempotent re-put of identical bytes.
	_, err = s.Put(ctx, testUID, "20260101_000000.000", []byte("v1"), "t1")
	require.NoError(t, err)

	// Divergent overwrite refused.
	_, err = s.Put(ctx, testUID, "20260101_000000.000", []byte("v2"), "t1")
	assert.ErrorIs(t, err, types.ErrAppendOnly)

	assert.ErrorIs(t, s.Delete(ctx, key, "t1"), types.ErrAppendOnly)
}
