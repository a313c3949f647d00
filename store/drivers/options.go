package drivers

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/supabase-community/supabase-go"
)

// StoreOption is a functional option for configuring a document store.
type StoreOption func(*storeConfig)

// storeConfig holds configuration for document stores.
type storeConfig struct {
	name   string
	logger *slog.Logger

	registry *Registry

	redisClient *redis.Client
	redisPrefix string

	sqliteDB   *sql.DB
	sqlitePath string

	supabaseClient *supabase.Client
	supabaseURL    string
	supabaseKey    string
	supabaseTable  string

	pollInterval time.Duration
}

// WithName sets the store name reported by Info.
func WithName(name string) StoreOption {
	return func(c *storeConfig) {
		c.name = name
	}
}

// WithLogger sets the logger used by the store and its replications.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = logger
	}
}

// WithRegistry sets the registry used to resolve mem:// URLs.
func WithRegistry(registry *Registry) StoreOption {
	return func(c *storeConfig) {
		c.registry = registry
	}
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisPrefix sets the key prefix for the Redis store.
func WithRedisPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.redisPrefix = prefix
	}
}

// WithSQLiteDB sets an already opened database for the SQLite store.
func WithSQLiteDB(db *sql.DB) StoreOption {
	return func(c *storeConfig) {
		c.sqliteDB = db
	}
}

// WithSQLitePath sets the database file for the SQLite store.
func WithSQLitePath(path string) StoreOption {
	return func(c *storeConfig) {
		c.sqlitePath = path
	}
}

// WithSupabaseClient sets the Supabase client for the Supabase store.
func WithSupabaseClient(client *supabase.Client) StoreOption {
	return func(c *storeConfig) {
		c.supabaseClient = client
	}
}

// WithSupabaseConfig sets the project URL and API key for the Supabase store.
func WithSupabaseConfig(url, apiKey string) StoreOption {
	return func(c *storeConfig) {
		c.supabaseURL = url
		c.supabaseKey = apiKey
	}
}

// WithSupabaseTable sets the table holding document records.
func WithSupabaseTable(table string) StoreOption {
	return func(c *storeConfig) {
		c.supabaseTable = table
	}
}

// WithPollInterval sets how often polling change feeds query the store.
func WithPollInterval(interval time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.pollInterval = interval
	}
}
