package metastore

import (
	"fmt"
	"regexp"
)

var tenantNameRE = regexp.MustCompile(`^[A-Za-z0-9_]{1,63}$`)

// prefix returns the table-name prefix isolating a tenant's rows. Tenant
// names reach the store already normalised by the router; this is a final
// guard against raw identifiers leaking into SQL.
func prefix(tenant string) (string, error) {
	if !tenantNameRE.MatchString(tenant) {
		return "", fmt.Errorf("invalid tenant name %q", tenant)
	}
	return "tenant_" + tenant + "_", nil
}

// tenantDDL returns the per-tenant table set. The dialect toggles the
// partial unique index: sqlite expresses "unique among non-deleted rows"
// directly, mysql enforces it with a check inside the insert transaction.
func tenantDDL(p, driver string) []string {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + p + `files (
			uid VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			parent_uid VARCHAR(36) NOT NULL,
			type VARCHAR(16) NOT NULL,
			owner VARCHAR(255) NOT NULL DEFAULT '',
			mode_bits INTEGER NOT NULL DEFAULT 420,
			current_version VARCHAR(64) NOT NULL DEFAULT '',
			created_at VARCHAR(40) NOT NULL,
			modified_at VARCHAR(40) NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at VARCHAR(40) NOT NULL DEFAULT ''
		)`,
		indexDDL(driver, p+`files_parent_idx`, p+`files (parent_uid)`),
		`CREATE TABLE IF NOT EXISTS ` + p + `versions (
			file_uid VARCHAR(36) NOT NULL,
			version_ts VARCHAR(64) NOT NULL,
			size BIGINT NOT NULL,
			storage_path TEXT NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			PRIMARY KEY (file_uid, version_ts)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p + `metadata (
			file_uid VARCHAR(36) NOT NULL,
			version_ts VARCHAR(64) NOT NULL,
			meta_key VARCHAR(255) NOT NULL,
			meta_value TEXT NOT NULL,
			PRIMARY KEY (file_uid, version_ts, meta_key)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + p + `file_acls (
			resource_uid VARCHAR(36) NOT NULL,
			principal VARCHAR(255) NOT NULL,
			principal_type VARCHAR(16) NOT NULL,
			permissions INTEGER NOT NULL,
			PRIMARY KEY (resource_uid, principal, principal_type)
		)`,
		indexDDL(driver, p+`file_acls_principal_idx`, p+`file_acls (principal, principal_type)`),
	}
	if driver == "sqlite3" {
		stmts = append(stmts,
			`CREATE UNIQUE INDEX IF NOT EXISTS `+p+`files_name_parent_idx
				ON `+p+`files (name, parent_uid) WHERE deleted = 0`)
	}
	return stmts
}

// indexDDL builds a secondary-index statement. sqlite gets IF NOT EXISTS;
// mysql has no such clause, so re-provisioning tolerates its duplicate-index
// error instead (see CreateTenantSchema).
func indexDDL(driver, name, target string) string {
	if driver == "mysql" {
		return `CREATE INDEX ` + name + ` ON ` + target
	}
	return `CREATE INDEX IF NOT EXISTS ` + name + ` ON ` + target
}

// globalDDL returns the tables shared by all tenants: the tenant registry
// and the host-scoped access statistics the culler reads.
func globalDDL(driver string) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			name VARCHAR(63) PRIMARY KEY,
			created_at VARCHAR(40) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_access_stats (
			file_uid VARCHAR(36) NOT NULL,
			host VARCHAR(255) NOT NULL,
			last_accessed VARCHAR(40) NOT NULL,
			access_count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (file_uid, host)
		)`,
		indexDDL(driver, `file_access_stats_host_idx`, `file_access_stats (host, last_accessed)`),
	}
}
