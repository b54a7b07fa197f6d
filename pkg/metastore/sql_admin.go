package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Rational-Boxes/depot/pkg/types"
)

// AddACL upserts one row, OR-ing the new bits into any existing ones. The
// read and the write share a transaction so concurrent grants do not lose
// bits.
func (s *SQLStore) AddACL(ctx context.Context, tenant string, entry types.ACLEntry) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}

	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback()

	var existing uint32
	err = tx.QueryRowContext(ctx,
		`SELECT permissions FROM `+p+`file_acls
		 WHERE resource_uid = ? AND principal = ? AND principal_type = ?`,
		entry.ResourceUID, entry.Principal, entry.PrincipalType).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+p+`file_acls (resource_uid, principal, principal_type, permissions)
			 VALUES (?, ?, ?, ?)`,
			entry.ResourceUID, entry.Principal, entry.PrincipalType, uint32(entry.Permissions))
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE `+p+`file_acls SET permissions = ?
			 WHERE resource_uid = ? AND principal = ? AND principal_type = ?`,
			existing|uint32(entry.Permissions), entry.ResourceUID, entry.Principal, entry.PrincipalType)
	}
	if err != nil {
		return fmt.Errorf("granting on %s to %s/%s: %w",
			entry.ResourceUID, entry.PrincipalType, entry.Principal, err)
	}
	return tx.Commit()
}

// RemoveACL drops one row.
func (s *SQLStore) RemoveACL(ctx context.Context, tenant, resourceUID, principal string, ptype types.PrincipalType) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}
	if _, err := s.primary.ExecContext(ctx,
		`DELETE FROM `+p+`file_acls
		 WHERE resource_uid = ? AND principal = ? AND principal_type = ?`,
		resourceUID, principal, ptype); err != nil {
		return fmt.Errorf("revoking on %s from %s/%s: %w", resourceUID, ptype, principal, err)
	}
	return nil
}

// GetACLsForResource returns every row attached to one resource.
func (s *SQLStore) GetACLsForResource(ctx context.Context, tenant, resourceUID string) ([]types.ACLEntry, error) {
	p, err := prefix(tenant)
	if err != nil {
		return nil, err
	}
	return s.queryACLs(ctx,
		`SELECT resource_uid, principal, principal_type, permissions
		 FROM `+p+`file_acls WHERE resource_uid = ?`, resourceUID)
}

// GetUserACLs returns every row naming the user directly.
func (s *SQLStore) GetUserACLs(ctx context.Context, tenant, user string) ([]types.ACLEntry, error) {
	p, err := prefix(tenant)
	if err != nil {
		return nil, err
	}
	return s.queryACLs(ctx,
		`SELECT resource_uid, principal, principal_type, permissions
		 FROM `+p+`file_acls WHERE principal = ? AND principal_type = ?`,
		user, types.PrincipalUser)
}

func (s *SQLStore) queryACLs(ctx context.Context, q string, args ...any) ([]types.ACLEntry, error) {
	rows, err := s.reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loading acls: %w", err)
	}
	defer rows.Close()

	var entries []types.ACLEntry
	for rows.Next() {
		var e types.ACLEntry
		var bits uint32
		if err := rows.Scan(&e.ResourceUID, &e.Principal, &e.PrincipalType, &bits); err != nil {
			return nil, err
		}
		e.Permissions = types.Permission(bits)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TouchAccess bumps the host-local access statistic for a file. Stats are
// global, not tenant-prefixed, so the culler can reason about every tenant
// on this host at once.
func (s *SQLStore) TouchAccess(ctx context.Context, uid, host string) error {
	// Deliberately not gated on the write gate: stats are advisory and the
	// loss of one touch is harmless, but failing a read because its stat
	// could not be written would not be.
	now := fmtTime(time.Now())
	var stmt string
	if s.driver == "mysql" {
		stmt = `INSERT INTO file_access_stats (file_uid, host, last_accessed, access_count)
			VALUES (?, ?, ?, 1)
			ON DUPLICATE KEY UPDATE last_accessed = VALUES(last_accessed), access_count = access_count + 1`
	} else {
		stmt = `INSERT INTO file_access_stats (file_uid, host, last_accessed, access_count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT (file_uid, host) DO UPDATE SET
				last_accessed = excluded.last_accessed, access_count = access_count + 1`
	}
	if !s.available.Load() {
		return nil
	}
	if _, err := s.primary.ExecContext(ctx, stmt, uid, host, now); err != nil {
		return fmt.Errorf("touching access stat for %s on %s: %w", uid, host, err)
	}
	return nil
}

// LeastAccessed returns up to limit stats for this host, oldest access
// first. LRU culling input.
func (s *SQLStore) LeastAccessed(ctx context.Context, host string, limit int) ([]types.AccessStat, error) {
	return s.queryStats(ctx,
		`SELECT file_uid, host, last_accessed, access_count
		 FROM file_access_stats WHERE host = ? ORDER BY last_accessed ASC LIMIT ?`,
		host, limit)
}

// InfrequentlyAccessed returns stats not touched within olderThan, least
// counted first. LFU culling input.
func (s *SQLStore) InfrequentlyAccessed(ctx context.Context, host string, olderThan time.Duration) ([]types.AccessStat, error) {
	cutoff := fmtTime(time.Now().Add(-olderThan))
	return s.queryStats(ctx,
		`SELECT file_uid, host, last_accessed, access_count
		 FROM file_access_stats WHERE host = ? AND last_accessed < ? ORDER BY access_count ASC`,
		host, cutoff)
}

func (s *SQLStore) queryStats(ctx context.Context, q string, args ...any) ([]types.AccessStat, error) {
	rows, err := s.reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loading access stats: %w", err)
	}
	defer rows.Close()

	var stats []types.AccessStat
	for rows.Next() {
		var st types.AccessStat
		var lastAccessed string
		if err := rows.Scan(&st.FileUID, &st.Host, &lastAccessed, &st.AccessCount); err != nil {
			return nil, err
		}
		st.LastAccessed = parseTime(lastAccessed)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// CreateTenantSchema creates the tenant's table set and registers the
// tenant. Idempotent.
func (s *SQLStore) CreateTenantSchema(ctx context.Context, tenant string) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}
	for _, stmt := range tenantDDL(p, s.driver) {
		if _, err := s.primary.ExecContext(ctx, stmt); err != nil && !s.isDupIndex(err) {
			return fmt.Errorf("creating schema for tenant %s: %w", tenant, err)
		}
	}

	var stmt string
	if s.driver == "mysql" {
		stmt = `INSERT IGNORE INTO tenants (name, created_at) VALUES (?, ?)`
	} else {
		stmt = `INSERT OR IGNORE INTO tenants (name, created_at) VALUES (?, ?)`
	}
	if _, err := s.primary.ExecContext(ctx, stmt, tenant, fmtTime(time.Now())); err != nil {
		return fmt.Errorf("registering tenant %s: %w", tenant, err)
	}
	return nil
}

// TenantExists consults the registry.
func (s *SQLStore) TenantExists(ctx context.Context, tenant string) (bool, error) {
	var name string
	err := s.reader().QueryRowContext(ctx,
		`SELECT name FROM tenants WHERE name = ?`, tenant).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probing tenant %s: %w", tenant, err)
	}
	return true, nil
}

// CleanupTenantData drops the tenant's tables and registry row.
func (s *SQLStore) CleanupTenantData(ctx context.Context, tenant string) error {
	if err := s.writeGate(); err != nil {
		return err
	}
	p, err := prefix(tenant)
	if err != nil {
		return err
	}
	for _, table := range []string{"files", "versions", "metadata", "file_acls"} {
		if _, err := s.primary.ExecContext(ctx, `DROP TABLE IF EXISTS `+p+table); err != nil {
			return fmt.Errorf("dropping %s%s: %w", p, table, err)
		}
	}
	if _, err := s.primary.ExecContext(ctx, `DELETE FROM tenants WHERE name = ?`, tenant); err != nil {
		return fmt.Errorf("deregistering tenant %s: %w", tenant, err)
	}
	return nil
}

// ListTenants returns every registered tenant.
func (s *SQLStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.reader().QueryContext(ctx, `SELECT name FROM tenants ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tenants = append(tenants, name)
	}
	return tenants, rows.Err()
}
