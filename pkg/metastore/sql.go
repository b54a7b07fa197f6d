package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/Rational-Boxes/depot/pkg/types"
)

const timeLayout = time.RFC3339Nano

// SQLStore implements Store over database/sql. It speaks `?` placeholders,
// which both supported drivers (sqlite3, mysql) accept. Tenant isolation is
// a per-tenant table prefix; access statistics and the tenant registry live
// in unprefixed global tables.
type SQLStore struct {
	driver  string
	primary *sql.DB
	replica *sql.DB // nil when no replica is configured

	available atomic.Bool
}

// Config for opening the store.
type Config struct {
	Driver     string // "sqlite3" or "mysql"
	PrimaryDSN string
	ReplicaDSN string // optional read-only replica
	PoolSize   int    // default 10
}

// Open connects to the primary (and replica, when configured) and ensures
// the global tables exist.
func Open(cfg Config) (*SQLStore, error) {
	if cfg.Driver != "sqlite3" && cfg.Driver != "mysql" {
		return nil, fmt.Errorf("unsupported metadata driver %q", cfg.Driver)
	}
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 10
	}

	primary, err := sql.Open(cfg.Driver, cfg.PrimaryDSN)
	if err != nil {
		return nil, fmt.Errorf("opening primary: %w", err)
	}
	primary.SetMaxOpenConns(pool)
	primary.SetMaxIdleConns(pool)
	primary.SetConnMaxLifetime(3 * time.Minute)

	var replica *sql.DB
	if cfg.ReplicaDSN != "" {
		replica, err = sql.Open(cfg.Driver, cfg.ReplicaDSN)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("opening replica: %w", err)
		}
		replica.SetMaxOpenConns(pool)
		replica.SetMaxIdleConns(pool)
	}

	s := &SQLStore{driver: cfg.Driver, primary: primary, replica: replica}
	s.available.Store(true)

	for _, stmt := range globalDDL(cfg.Driver) {
		if _, err := primary.Exec(stmt); err != nil && !s.isDupIndex(err) {
			primary.Close()
			return nil, fmt.Errorf("creating global tables: %w", err)
		}
	}
	return s, nil
}

// Close releases both connection pools.
func (s *SQLStore) Close() error {
	var errs []error
	if err := s.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.replica != nil {
		if err := s.replica.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PrimaryAvailable reports whether mutations are currently accepted.
func (s *SQLStore) PrimaryAvailable() bool { return s.available.Load() }

// SetPrimaryAvailable is flipped by the DB monitor worker.
func (s *SQLStore) SetPrimaryAvailable(up bool) { s.available.Store(up) }

// CheckConnection pings the primary.
func (s *SQLStore) CheckConnection(ctx context.Context) error {
	return s.primary.PingContext(ctx)
}

// reader returns the handle read queries should use: the primary while it is
// available, the replica while it is not.
func (s *SQLStore) reader() *sql.DB {
	if !s.available.Load() && s.replica != nil {
		return s.replica
	}
	return s.primary
}

// writeGate rejects mutations while the primary is down, before any
// connection is acquired.
func (s *SQLStore) writeGate() error {
	if !s.available.Load() {
		return types.ErrReadOnly
	}
	return nil
}

// isDup reports whether err is a unique-constraint violation.
func (s *SQLStore) isDup(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isDupIndex reports whether err is mysql's "duplicate key name", raised
// when an index from a previous provisioning run already exists.
func (s *SQLStore) isDupIndex(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1061
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

const fileColumns = `uid, name, path, parent_uid, type, owner, mode_bits,
	current_version, created_at, modified_at, deleted, deleted_at`

func scanFile(row interface{ Scan(...any) error }) (*types.File, error) {
	var f types.File
	var createdAt, modifiedAt, deletedAt string
	var deleted int
	err := row.Scan(&f.UID, &f.Name, &f.Path, &f.ParentUID, &f.Type, &f.Owner,
		&f.ModeBits, &f.CurrentVersion, &createdAt, &modifiedAt, &deleted, &deletedAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = parseTime(createdAt)
	f.ModifiedAt = parseTime(modifiedAt)
	f.Deleted = deleted != 0
	f.DeletedAt = parseTime(deletedAt)
	return &f, nil
}

// InsertFile creates one namespace row. A non-deleted sibling with the same
// name fails with ErrConflict; the check and the insert share a transaction
// so concurrent creators serialise on the unique index.
func (s *SQLStore) InsertFile(ctx context.Context, tenant string, f *types.File) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}

	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT uid FROM `+p+`files WHERE name = ? AND parent_uid = ? AND deleted = 0`,
		f.Name, f.ParentUID).Scan(&existing)
	if err == nil {
		return fmt.Errorf("%q already exists under %s: %w", f.Name, f.ParentUID, types.ErrConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sibling check: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+p+`files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UID, f.Name, f.Path, f.ParentUID, f.Type, f.Owner, f.ModeBits,
		f.CurrentVersion, fmtTime(f.CreatedAt), fmtTime(f.ModifiedAt),
		boolToInt(f.Deleted), fmtTime(f.DeletedAt))
	if s.isDup(err) {
		return fmt.Errorf("%q already exists under %s: %w", f.Name, f.ParentUID, types.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting file %s: %w", f.UID, err)
	}
	return tx.Commit()
}

// GetByUID loads one row. Deleted rows are hidden unless includeDeleted.
func (s *SQLStore) GetByUID(ctx context.Context, tenant, uid string, includeDeleted bool) (*types.File, error) {
	p, err := prefix(tenant)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + fileColumns + ` FROM ` + p + `files WHERE uid = ?`
	if !includeDeleted {
		q += ` AND deleted = 0`
	}
	f, err := scanFile(s.reader().QueryRowContext(ctx, q, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", uid, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading file %s: %w", uid, err)
	}
	return f, nil
}

// GetByNameAndParent resolves one directory entry.
func (s *SQLStore) GetByNameAndParent(ctx context.Context, tenant, name, parentUID string, includeDeleted bool) (*types.File, error) {
	p, err := prefix(tenant)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + fileColumns + ` FROM ` + p + `files WHERE name = ? AND parent_uid = ?`
	if !includeDeleted {
		q += ` AND deleted = 0`
	}
	f, err := scanFile(s.reader().QueryRowContext(ctx, q, name, parentUID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%q under %s: %w", name, parentUID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving %q under %s: %w", name, parentUID, err)
	}
	return f, nil
}

func (s *SQLStore) updateFile(ctx context.Context, tenant, uid, set string, args ...any) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}
	args = append(args, uid)
	res, err := s.primary.ExecContext(ctx, `UPDATE `+p+`files SET `+set+` WHERE uid = ?`, args...)
	if s.isDup(err) {
		return fmt.Errorf("updating file %s: %w", uid, types.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("updating file %s: %w", uid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s: %w", uid, types.ErrNotFound)
	}
	return nil
}

// UpdateName renames a row in place.
func (s *SQLStore) UpdateName(ctx context.Context, tenant, uid, newName string) error {
	return s.updateFile(ctx, tenant, uid,
		`name = ?, modified_at = ?`, newName, fmtTime(time.Now()))
}

// UpdateParent reparents a row. Cycle checks belong to the engine.
func (s *SQLStore) UpdateParent(ctx context.Context, tenant, uid, newParentUID string) error {
	return s.updateFile(ctx, tenant, uid,
		`parent_uid = ?, modified_at = ?`, newParentUID, fmtTime(time.Now()))
}

// UpdateModified bumps the modification timestamp.
func (s *SQLStore) UpdateModified(ctx context.Context, tenant, uid string, at time.Time) error {
	return s.updateFile(ctx, tenant, uid, `modified_at = ?`, fmtTime(at))
}

// SoftDelete flips the deleted flag. Children are not cascaded.
func (s *SQLStore) SoftDelete(ctx context.Context, tenant, uid string) error {
	return s.updateFile(ctx, tenant, uid,
		`deleted = 1, deleted_at = ?`, fmtTime(time.Now()))
}

// Undelete clears the deleted flag. A live sibling holding the name by now
// makes this a conflict.
func (s *SQLStore) Undelete(ctx context.Context, tenant, uid string) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}

	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin undelete: %w", err)
	}
	defer tx.Rollback()

	f, err := scanFile(tx.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM `+p+`files WHERE uid = ?`, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("file %s: %w", uid, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading file %s: %w", uid, err)
	}

	var clash string
	err = tx.QueryRowContext(ctx,
		`SELECT uid FROM `+p+`files WHERE name = ? AND parent_uid = ? AND deleted = 0 AND uid <> ?`,
		f.Name, f.ParentUID, uid).Scan(&clash)
	if err == nil {
		return fmt.Errorf("%q reclaimed by %s: %w", f.Name, clash, types.ErrConflict)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sibling check: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE `+p+`files SET deleted = 0, deleted_at = '' WHERE uid = ?`, uid); err != nil {
		if s.isDup(err) {
			return fmt.Errorf("undelete of %s: %w", uid, types.ErrConflict)
		}
		return fmt.Errorf("undelete of %s: %w", uid, err)
	}
	return tx.Commit()
}

// ListChildren returns the direct children of a directory, excluding the
// root's self-reference.
func (s *SQLStore) ListChildren(ctx context.Context, tenant, parentUID string, includeDeleted bool) ([]*types.File, error) {
	p, err := prefix(tenant)
	if err != nil {
		return nil, err
	}
	q := `SELECT ` + fileColumns + ` FROM ` + p + `files WHERE parent_uid = ? AND uid <> parent_uid`
	if !includeDeleted {
		q += ` AND deleted = 0`
	}
	q += ` ORDER BY name`
	rows, err := s.reader().QueryContext(ctx, q, parentUID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentUID, err)
	}
	defer rows.Close()

	var files []*types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ListAll returns every non-deleted row in the tenant. The sync worker's
// periodic scan walks this.
func (s *SQLStore) ListAll(ctx context.Context, tenant string) ([]*types.File, error) {
	p, err := prefix(tenant)
	if err != nil {
		return nil, err
	}
	rows, err := s.reader().QueryContext(ctx,
		`SELECT `+fileColumns+` FROM `+p+`files WHERE deleted = 0 ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("listing tenant %s: %w", tenant, err)
	}
	defer rows.Close()

	var files []*types.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetFileSize returns the size of the file's current version, zero when the
// file has never been written.
func (s *SQLStore) GetFileSize(ctx context.Context, tenant, uid string) (int64, error) {
	p, err := prefix(tenant)
	if err != nil {
		return 0, err
	}
	var size int64
	err = s.reader().QueryRowContext(ctx,
		`SELECT COALESCE(v.size, 0)
		 FROM `+p+`files f
		 LEFT JOIN `+p+`versions v ON v.file_uid = f.uid AND v.version_ts = f.current_version
		 WHERE f.uid = ?`, uid).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("file %s: %w", uid, types.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("sizing file %s: %w", uid, err)
	}
	return size, nil
}

// GetDirectorySize sums current-version sizes over the non-deleted subtree.
func (s *SQLStore) GetDirectorySize(ctx context.Context, tenant, uid string) (int64, error) {
	p, err := prefix(tenant)
	if err != nil {
		return 0, err
	}
	// UNION deduplicates, which also terminates the root's self-loop.
	var size int64
	err = s.reader().QueryRowContext(ctx,
		`WITH RECURSIVE subtree(uid) AS (
			SELECT uid FROM `+p+`files WHERE uid = ?
			UNION
			SELECT f.uid FROM `+p+`files f JOIN subtree s ON f.parent_uid = s.uid
		)
		SELECT COALESCE(SUM(v.size), 0)
		FROM `+p+`files f
		JOIN `+p+`versions v ON v.file_uid = f.uid AND v.version_ts = f.current_version
		WHERE f.uid IN (SELECT uid FROM subtree) AND f.deleted = 0`, uid).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("sizing directory %s: %w", uid, err)
	}
	return size, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
