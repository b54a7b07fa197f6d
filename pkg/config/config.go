// Package config loads service configuration with viper: built-in defaults,
// then an optional YAML file, then environment variables, highest last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Rational-Boxes/depot/pkg/types"
)

// Config is the fully resolved service configuration.
type Config struct {
	Log     Log
	DB      DB
	Storage Storage
	S3      S3
	Cache   Cache
	Sync    Sync
	Cull    Cull
	Server  Server

	MultiTenantEnabled bool
	// Host names this process in access statistics. Defaults to os.Hostname.
	Host string
}

type Log struct {
	Level     string
	ToConsole bool
	FilePath  string
}

type DB struct {
	// Driver is sqlite3 or mysql.
	Driver string
	// Path is the sqlite database file. Ignored for mysql.
	Path string
	// Primary server connection, mysql only.
	Host     string
	Port     int
	Database string
	User     string
	Password string
	// ReplicaHost enables the read replica. Empty means no replica.
	ReplicaHost string
	ReplicaPort int
	PoolSize    int
}

type Storage struct {
	Base     string
	Compress bool
	Encrypt  bool
	// EncryptionKey is the AES key, 16 or 32 bytes. Required when Encrypt.
	EncryptionKey string
	// MaxObjectMB rejects larger puts. Zero means unlimited.
	MaxObjectMB int
}

type S3 struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

type Cache struct {
	MaxSizeMB int
	Threshold float64
}

type Sync struct {
	Enabled       bool
	RetrySeconds  int
	ScanSeconds   int
	ScanOnStartup bool
}

type Cull struct {
	MaxLocalMB      int
	Strategy        string
	IntervalSeconds int
	BatchSize       int
	IdleHours       int
}

type Server struct {
	GRPCHost    string
	GRPCPort    int
	MetricsPort int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.to_console", true)
	v.SetDefault("log.file_path", "")

	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.path", "")
	v.SetDefault("pg.host", "")
	v.SetDefault("pg.port", 3306)
	v.SetDefault("pg.database", "depot")
	v.SetDefault("pg.user", "depot")
	v.SetDefault("pg.password", "")
	v.SetDefault("pg.replica_host", "")
	v.SetDefault("pg.replica_port", 3306)
	v.SetDefault("db.pool_size", 10)

	v.SetDefault("storage.base", "/var/lib/depot")
	v.SetDefault("compress.data", false)
	v.SetDefault("encrypt.data", false)
	v.SetDefault("encrypt.key", "")
	v.SetDefault("storage.max_object_mb", 0)

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "depot")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.path_style", true)

	v.SetDefault("max.cache.size.mb", 256)
	v.SetDefault("cache.threshold", 0.9)

	v.SetDefault("multi.tenant.enabled", false)

	v.SetDefault("s3.sync.support", true)
	v.SetDefault("s3.retry.seconds", 30)
	v.SetDefault("s3.scan.seconds", 300)
	v.SetDefault("s3.sync.on.startup", true)

	v.SetDefault("cull.max_local_mb", 0)
	v.SetDefault("cull.strategy", string(types.CullLRU))
	v.SetDefault("cull.interval_seconds", 300)
	v.SetDefault("cull.batch_size", 50)
	v.SetDefault("cull.idle_hours", 24)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9000)
	v.SetDefault("metrics.port", 9090)
}

// bindEnv maps the published environment variable names onto viper keys.
func bindEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		"log.level":            "LOG_LEVEL",
		"log.to_console":       "LOG_TO_CONSOLE",
		"log.file_path":        "LOG_FILE_PATH",
		"db.driver":            "DB_DRIVER",
		"db.path":              "DB_PATH",
		"pg.host":              "PG_HOST",
		"pg.port":              "PG_PORT",
		"pg.database":          "PG_DATABASE",
		"pg.user":              "PG_USER",
		"pg.password":          "PG_PASSWORD",
		"pg.replica_host":      "PG_REPLICA_HOST",
		"pg.replica_port":      "PG_REPLICA_PORT",
		"db.pool_size":         "DB_POOL_SIZE",
		"storage.base":         "STORAGE_BASE",
		"compress.data":        "COMPRESS_DATA",
		"encrypt.data":         "ENCRYPT_DATA",
		"encrypt.key":          "ENCRYPT_KEY",
		"storage.max_object_mb": "MAX_OBJECT_SIZE_MB",
		"s3.endpoint":          "S3_ENDPOINT",
		"s3.region":            "S3_REGION",
		"s3.bucket":            "S3_BUCKET",
		"s3.access_key":        "S3_ACCESS_KEY",
		"s3.secret_key":        "S3_SECRET_KEY",
		"s3.path_style":        "S3_PATH_STYLE",
		"max.cache.size.mb":    "MAX_CACHE_SIZE_MB",
		"cache.threshold":      "CACHE_THRESHOLD",
		"multi.tenant.enabled": "MULTI_TENANT_ENABLED",
		"s3.sync.support":      "S3_SYNC_SUPPORT",
		"s3.retry.seconds":     "S3_RETRY_SECONDS",
		"s3.scan.seconds":      "S3_SCAN_SECONDS",
		"s3.sync.on.startup":   "S3_SYNC_ON_STARTUP",
		"cull.max_local_mb":    "CULL_MAX_LOCAL_MB",
		"cull.strategy":        "CULL_STRATEGY",
		"cull.interval_seconds": "CULL_INTERVAL_SECONDS",
		"cull.batch_size":      "CULL_BATCH_SIZE",
		"cull.idle_hours":      "CULL_IDLE_HOURS",
		"grpc.host":            "GRPC_HOST",
		"grpc.port":            "GRPC_PORT",
		"metrics.port":         "METRICS_PORT",
		"host":                 "DEPOT_HOST",
	} {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, env)
	}
}

// Load resolves the configuration. path names an optional YAML file; empty
// means environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	cfg := &Config{
		Log: Log{
			Level:     v.GetString("log.level"),
			ToConsole: v.GetBool("log.to_console"),
			FilePath:  v.GetString("log.file_path"),
		},
		DB: DB{
			Driver:      v.GetString("db.driver"),
			Path:        v.GetString("db.path"),
			Host:        v.GetString("pg.host"),
			Port:        v.GetInt("pg.port"),
			Database:    v.GetString("pg.database"),
			User:        v.GetString("pg.user"),
			Password:    v.GetString("pg.password"),
			ReplicaHost: v.GetString("pg.replica_host"),
			ReplicaPort: v.GetInt("pg.replica_port"),
			PoolSize:    v.GetInt("db.pool_size"),
		},
		Storage: Storage{
			Base:          v.GetString("storage.base"),
			Compress:      v.GetBool("compress.data"),
			Encrypt:       v.GetBool("encrypt.data"),
			EncryptionKey: v.GetString("encrypt.key"),
			MaxObjectMB:   v.GetInt("storage.max_object_mb"),
		},
		S3: S3{
			Endpoint:  v.GetString("s3.endpoint"),
			Region:    v.GetString("s3.region"),
			Bucket:    v.GetString("s3.bucket"),
			AccessKey: v.GetString("s3.access_key"),
			SecretKey: v.GetString("s3.secret_key"),
			PathStyle: v.GetBool("s3.path_style"),
		},
		Cache: Cache{
			MaxSizeMB: v.GetInt("max.cache.size.mb"),
			Threshold: v.GetFloat64("cache.threshold"),
		},
		Sync: Sync{
			Enabled:       v.GetBool("s3.sync.support"),
			RetrySeconds:  v.GetInt("s3.retry.seconds"),
			ScanSeconds:   v.GetInt("s3.scan.seconds"),
			ScanOnStartup: v.GetBool("s3.sync.on.startup"),
		},
		Cull: Cull{
			MaxLocalMB:      v.GetInt("cull.max_local_mb"),
			Strategy:        v.GetString("cull.strategy"),
			IntervalSeconds: v.GetInt("cull.interval_seconds"),
			BatchSize:       v.GetInt("cull.batch_size"),
			IdleHours:       v.GetInt("cull.idle_hours"),
		},
		Server: Server{
			GRPCHost:    v.GetString("grpc.host"),
			GRPCPort:    v.GetInt("grpc.port"),
			MetricsPort: v.GetInt("metrics.port"),
		},
		MultiTenantEnabled: v.GetBool("multi.tenant.enabled"),
		Host:               v.GetString("host"),
	}

	if cfg.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "localhost"
		}
		cfg.Host = host
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.Driver != "sqlite3" && c.DB.Driver != "mysql" {
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.DB.Driver == "mysql" && c.DB.Host == "" {
		return fmt.Errorf("mysql driver requires PG_HOST")
	}
	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("cache threshold must be in (0, 1], got %v", c.Cache.Threshold)
	}
	if c.Cache.MaxSizeMB <= 0 {
		return fmt.Errorf("cache size must be positive, got %d MB", c.Cache.MaxSizeMB)
	}
	if c.Storage.Encrypt {
		if n := len(c.Storage.EncryptionKey); n != 16 && n != 32 {
			return fmt.Errorf("encryption key must be 16 or 32 bytes, got %d", n)
		}
	}
	switch types.CullStrategy(c.Cull.Strategy) {
	case types.CullLRU, types.CullLFU:
	default:
		return fmt.Errorf("unknown cull strategy %q", c.Cull.Strategy)
	}
	return nil
}

// PrimaryDSN builds the primary connection string for the configured driver.
func (c *Config) PrimaryDSN() string {
	if c.DB.Driver == "sqlite3" {
		if c.DB.Path != "" {
			return c.DB.Path
		}
		return filepath.Join(c.Storage.Base, "depot.db")
	}
	return mysqlDSN(c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Database)
}

// ReplicaDSN builds the replica connection string, or "" when no replica is
// configured. sqlite never has a replica.
func (c *Config) ReplicaDSN() string {
	if c.DB.Driver == "sqlite3" || c.DB.ReplicaHost == "" {
		return ""
	}
	return mysqlDSN(c.DB.User, c.DB.Password, c.DB.ReplicaHost, c.DB.ReplicaPort, c.DB.Database)
}

func mysqlDSN(user, password, host string, port int, database string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=false", user, password, host, port, database)
}

// SyncInterval returns the syncer's retry interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.RetrySeconds) * time.Second
}

// SyncScanInterval returns the interval between reconciliation walks.
func (c *Config) SyncScanInterval() time.Duration {
	return time.Duration(c.Sync.ScanSeconds) * time.Second
}

// CullInterval returns the culler's round interval.
func (c *Config) CullInterval() time.Duration {
	return time.Duration(c.Cull.IntervalSeconds) * time.Second
}

// CacheMaxBytes returns the cache budget in bytes.
func (c *Config) CacheMaxBytes() int64 {
	return int64(c.Cache.MaxSizeMB) << 20
}

// MaxObjectBytes returns the put size limit in bytes, zero for unlimited.
func (c *Config) MaxObjectBytes() int64 {
	return int64(c.Storage.MaxObjectMB) << 20
}

// CullMaxLocalBytes returns the local disk budget in bytes, zero disabled.
func (c *Config) CullMaxLocalBytes() int64 {
	return int64(c.Cull.MaxLocalMB) << 20
}

// S3Enabled reports whether an object store is configured.
func (c *Config) S3Enabled() bool {
	return c.S3.Endpoint != ""
}
