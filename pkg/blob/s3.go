package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Rational-Boxes/depot/pkg/types"
)

// S3Config carries the remote store's connection settings.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3 is the append-only remote tier over an S3-compatible object store.
type S3 struct {
	client *minio.Client
	bucket string
}

// NewS3 builds the remote store client. The bucket is not touched here;
// Initialize creates it on demand.
func NewS3(cfg S3Config) (*S3, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing s3 endpoint %q: %w", cfg.Endpoint, err)
	}
	useSSL := u.Scheme != "http"
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}
	client, err := minio.New(u.Host, &minio.Options{
		Region:       cfg.Region,
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       useSSL,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("building s3 client: %w", err)
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

// PathFor derives the remote key for a version: tenant/uid/version_ts.
func (s *S3) PathFor(uid, versionTS, tenant string) string {
	return path.Join(tenant, uid, versionTS)
}

// Put uploads one payload. A key that already exists is accepted only when
// the stored object matches by size and content checksum; overwriting with
// different bytes is an error because the object store is authoritative
// history.
func (s *S3) Put(ctx context.Context, uid, versionTS string, data []byte, tenant string) (string, error) {
	key := s.PathFor(uid, versionTS, tenant)

	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		if sameObject(stat, data) {
			return key, nil
		}
		return "", fmt.Errorf("key %q already holds %d bytes, refusing %d-byte overwrite: %w",
			key, stat.Size, len(data), types.ErrAppendOnly)
	}
	if resp := minio.ToErrorResponse(err); resp.Code != "NoSuchKey" && resp.StatusCode != 404 {
		return "", fmt.Errorf("probing key %q: %w: %w", key, types.ErrIO, err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", fmt.Errorf("uploading %q to bucket %q: %w: %w", key, s.bucket, types.ErrIO, err)
	}
	return key, nil
}

// sameObject reports whether a stored object holds exactly the given bytes.
// A single-part etag is the payload's md5 and is compared directly; a
// multipart etag carries a part-count suffix and is no content hash, so only
// the size can be checked.
func sameObject(stat minio.ObjectInfo, data []byte) bool {
	if stat.Size != int64(len(data)) {
		return false
	}
	etag := strings.Trim(stat.ETag, `"`)
	if etag == "" || strings.Contains(etag, "-") {
		return true
	}
	sum := md5.Sum(data)
	return etag == hex.EncodeToString(sum[:])
}

// Get downloads the payload at key.
func (s *S3) Get(ctx context.Context, storagePath, tenant string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, storagePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w: %w", storagePath, types.ErrIO, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("key %q: %w", storagePath, types.ErrNotFound)
		}
		return nil, fmt.Errorf("reading %q: %w: %w", storagePath, types.ErrIO, err)
	}
	return buf.Bytes(), nil
}

// Exists probes the key without downloading it.
func (s *S3) Exists(ctx context.Context, storagePath, tenant string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, storagePath, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("probing %q: %w: %w", storagePath, types.ErrIO, err)
}

// Delete is unsupported: the remote tier is append-only.
func (s *S3) Delete(_ context.Context, storagePath, tenant string) error {
	return fmt.Errorf("delete of %q rejected: %w", storagePath, types.ErrAppendOnly)
}

// BucketExists reports whether the configured bucket is reachable. The sync
// worker probes this before each pass.
func (s *S3) BucketExists(ctx context.Context) (bool, error) {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, fmt.Errorf("probing bucket %q: %w: %w", s.bucket, types.ErrIO, err)
	}
	return ok, nil
}

// Initialize creates the bucket if missing. Creation is best-effort: shared
// deployments often deny bucket creation while allowing object writes.
func (s *S3) Initialize(ctx context.Context) error {
	ok, err := s.BucketExists(ctx)
	if err != nil || ok {
		return err
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %q: %w", s.bucket, err)
	}
	return nil
}
