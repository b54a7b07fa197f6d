package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Rational-Boxes/depot/pkg/types"
)

// AppendVersion inserts one immutable version row.
func (s *SQLStore) AppendVersion(ctx context.Context, tenant string, v types.Version) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}
	_, err = s.primary.ExecContext(ctx,
		`INSERT INTO `+p+`versions (file_uid, version_ts, size, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		v.FileUID, v.VersionTS, v.Size, v.StoragePath, fmtTime(v.CreatedAt))
	if s.isDup(err) {
		return fmt.Errorf("version %s of %s: %w", v.VersionTS, v.FileUID, types.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("appending version %s of %s: %w", v.VersionTS, v.FileUID, err)
	}
	return nil
}

// AppendVersionAndSetCurrent is the put path: the version row and the
// current_version flip land in one transaction, so a reader never observes a
// current_version without its row.
func (s *SQLStore) AppendVersionAndSetCurrent(ctx context.Context, tenant string, v types.Version) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}

	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+p+`versions (file_uid, version_ts, size, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		v.FileUID, v.VersionTS, v.Size, v.StoragePath, fmtTime(v.CreatedAt))
	if s.isDup(err) {
		return fmt.Errorf("version %s of %s: %w", v.VersionTS, v.FileUID, types.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("appending version %s of %s: %w", v.VersionTS, v.FileUID, err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE `+p+`files SET current_version = ?, modified_at = ? WHERE uid = ?`,
		v.VersionTS, fmtTime(time.Now()), v.FileUID)
	if err != nil {
		return fmt.Errorf("flipping current version of %s: %w", v.FileUID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s: %w", v.FileUID, types.ErrNotFound)
	}
	return tx.Commit()
}

// SetCurrentVersion flips the pointer without appending.
func (s *SQLStore) SetCurrentVersion(ctx context.Context, tenant, uid, versionTS string) error {
	return s.updateFile(ctx, tenant, uid,
		`current_version = ?, modified_at = ?`, versionTS, fmtTime(time.Now()))
}

// GetStoragePath resolves one version's blob location.
func (s *SQLStore) GetStoragePath(ctx context.Context, tenant, uid, versionTS string) (string, error) {
	p, err := prefix(tenant)
	if err != nil {
		return "", err
	}
	var storagePath string
	err = s.reader().QueryRowContext(ctx,
		`SELECT storage_path FROM `+p+`versions WHERE file_uid = ? AND version_ts = ?`,
		uid, versionTS).Scan(&storagePath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("version %s of %s: %w", versionTS, uid, types.ErrNoSuchVersion)
	}
	if err != nil {
		return "", fmt.Errorf("resolving version %s of %s: %w", versionTS, uid, err)
	}
	return storagePath, nil
}

// ListVersions returns a file's versions newest-first.
func (s *SQLStore) ListVersions(ctx context.Context, tenant, uid string) ([]types.Version, error) {
	p, err := prefix(tenant)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader().QueryContext(ctx,
		`SELECT file_uid, version_ts, size, storage_path, created_at
		 FROM `+p+`versions WHERE file_uid = ? ORDER BY version_ts DESC`, uid)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", uid, err)
	}
	defer rows.Close()

	var versions []types.Version
	for rows.Next() {
		var v types.Version
		var createdAt string
		if err := rows.Scan(&v.FileUID, &v.VersionTS, &v.Size, &v.StoragePath, &createdAt); err != nil {
			return nil, err
		}
		v.CreatedAt = parseTime(createdAt)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// RestoreToVersion duplicates versionTS as a new top version under newTS.
// The new row reuses the restored blob's storage path; the original row is
// untouched.
func (s *SQLStore) RestoreToVersion(ctx context.Context, tenant, uid, versionTS, newTS string) (types.Version, error) {
	if err := s.writeGate(); err != nil {
		return types.Version{}, err
	}
	p, err := prefix(tenant)
	if err != nil {
		return types.Version{}, err
	}

	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return types.Version{}, fmt.Errorf("begin restore: %w", err)
	}
	defer tx.Rollback()

	var size int64
	var storagePath string
	err = tx.QueryRowContext(ctx,
		`SELECT size, storage_path FROM `+p+`versions WHERE file_uid = ? AND version_ts = ?`,
		uid, versionTS).Scan(&size, &storagePath)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Version{}, fmt.Errorf("version %s of %s: %w", versionTS, uid, types.ErrNoSuchVersion)
	}
	if err != nil {
		return types.Version{}, fmt.Errorf("loading version %s of %s: %w", versionTS, uid, err)
	}

	restored := types.Version{
		FileUID:     uid,
		VersionTS:   newTS,
		Size:        size,
		StoragePath: storagePath,
		CreatedAt:   time.Now(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+p+`versions (file_uid, version_ts, size, storage_path, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		restored.FileUID, restored.VersionTS, restored.Size, restored.StoragePath,
		fmtTime(restored.CreatedAt))
	if s.isDup(err) {
		return types.Version{}, fmt.Errorf("restore stamp %s of %s: %w", newTS, uid, types.ErrConflict)
	}
	if err != nil {
		return types.Version{}, fmt.Errorf("appending restored version: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE `+p+`files SET current_version = ?, modified_at = ? WHERE uid = ?`,
		newTS, fmtTime(time.Now()), uid)
	if err != nil {
		return types.Version{}, fmt.Errorf("flipping current version of %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Version{}, fmt.Errorf("file %s: %w", uid, types.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return types.Version{}, err
	}
	return restored, nil
}

// DeleteVersion removes one version row and its metadata pairs. The purge
// path calls this only for versions already replicated to the object store.
func (s *SQLStore) DeleteVersion(ctx context.Context, tenant, uid, versionTS string) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}

	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM `+p+`versions WHERE file_uid = ? AND version_ts = ?`, uid, versionTS)
	if err != nil {
		return fmt.Errorf("deleting version %s of %s: %w", versionTS, uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("version %s of %s: %w", versionTS, uid, types.ErrNoSuchVersion)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+p+`metadata WHERE file_uid = ? AND version_ts = ?`, uid, versionTS); err != nil {
		return fmt.Errorf("deleting metadata of %s@%s: %w", uid, versionTS, err)
	}
	return tx.Commit()
}

// SetMetadata upserts one key for one version.
func (s *SQLStore) SetMetadata(ctx context.Context, tenant string, e types.MetadataEntry) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}
	var stmt string
	if s.driver == "mysql" {
		stmt = `INSERT INTO ` + p + `metadata (file_uid, version_ts, meta_key, meta_value)
			VALUES (?, ?, ?, ?) ON DUPLICATE KEY UPDATE meta_value = VALUES(meta_value)`
	} else {
		stmt = `INSERT INTO ` + p + `metadata (file_uid, version_ts, meta_key, meta_value)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (file_uid, version_ts, meta_key) DO UPDATE SET meta_value = excluded.meta_value`
	}
	if _, err := s.primary.ExecContext(ctx, stmt, e.FileUID, e.VersionTS, e.Key, e.Value); err != nil {
		return fmt.Errorf("setting metadata %q on %s@%s: %w", e.Key, e.FileUID, e.VersionTS, err)
	}
	return nil
}

// GetMetadata reads one key.
func (s *SQLStore) GetMetadata(ctx context.Context, tenant, uid, versionTS, key string) (string, error) {
	p, err := prefix(tenant)
	if err != nil {
		return "", err
	}
	var value string
	err = s.reader().QueryRowContext(ctx,
		`SELECT meta_value FROM `+p+`metadata WHERE file_uid = ? AND version_ts = ? AND meta_key = ?`,
		uid, versionTS, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("metadata %q on %s@%s: %w", key, uid, versionTS, types.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading metadata %q on %s@%s: %w", key, uid, versionTS, err)
	}
	return value, nil
}

// GetAllMetadata returns every pair attached to one version.
func (s *SQLStore) GetAllMetadata(ctx context.Context, tenant, uid, versionTS string) ([]types.MetadataEntry, error) {
	p, err := prefix(tenant)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader().QueryContext(ctx,
		`SELECT file_uid, version_ts, meta_key, meta_value
		 FROM `+p+`metadata WHERE file_uid = ? AND version_ts = ? ORDER BY meta_key`,
		uid, versionTS)
	if err != nil {
		return nil, fmt.Errorf("listing metadata on %s@%s: %w", uid, versionTS, err)
	}
	defer rows.Close()

	var entries []types.MetadataEntry
	for rows.Next() {
		var e types.MetadataEntry
		if err := rows.Scan(&e.FileUID, &e.VersionTS, &e.Key, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteMetadata removes one key; removing an absent key is not an error.
func (s *SQLStore) DeleteMetadata(ctx context.Context, tenant, uid, versionTS, key string) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}
	if _, err := s.primary.ExecContext(ctx,
		`DELETE FROM `+p+`metadata WHERE file_uid = ? AND version_ts = ? AND meta_key = ?`,
		uid, versionTS, key); err != nil {
		return fmt.Errorf("deleting metadata %q on %s@%s: %w", key, uid, versionTS, err)
	}
	return nil
}
