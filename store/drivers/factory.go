package drivers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/docsession/store"
)

// DefaultRegistry resolves mem:// URLs opened without WithRegistry.
var DefaultRegistry = NewRegistry()

// NewStore creates a new document store based on the given type.
// Supports "memory", "redis", "sqlite" and "supabase" driver types.
// For Redis, requires WithRedisClient option.
func NewStore(storeType store.StoreType, opts ...StoreOption) (RecordStore, error) {
	config := &storeConfig{}

	// Apply options
	for _, opt := range opts {
		opt(config)
	}

	switch storeType {
	case store.StoreTypeMemory:
		if config.registry != nil && config.name != "" {
			return config.registry.Store(config.name), nil
		}
		return newMemoryStore(config.name, config.registry, config.logger), nil

	case store.StoreTypeRedis:
		if config.redisClient == nil {
			return nil, store.ErrInvalidConfig
		}
		return newRedisStore(config), nil

	case store.StoreTypeSQLite:
		if config.sqliteDB == nil && config.sqlitePath == "" {
			return nil, store.ErrInvalidConfig
		}
		return newSQLiteStore(config)

	case store.StoreTypeSupabase:
		if config.supabaseClient == nil && (config.supabaseURL == "" || config.supabaseKey == "") {
			return nil, store.ErrInvalidConfig
		}
		return newSupabaseStore(config)

	default:
		return nil, store.ErrInvalidStoreType
	}
}

// Open creates a document store from a URL:
//
//	mem://name
//	redis://[user:pass@]host:port/db
//	sqlite:///path/to/file.db
//	supabase://project.supabase.co/table?apikey=KEY
func Open(ctx context.Context, rawURL string, opts ...StoreOption) (RecordStore, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidConfig, err)
	}

	switch u.Scheme {
	case "mem", "memory":
		config := &storeConfig{}
		for _, opt := range opts {
			opt(config)
		}
		if config.registry == nil {
			opts = append(opts, WithRegistry(DefaultRegistry))
		}
		if u.Host == "" {
			return nil, fmt.Errorf("%w: memory store name is required", store.ErrInvalidConfig)
		}
		return NewStore(store.StoreTypeMemory, append(opts, WithName(u.Host))...)

	case "redis", "rediss":
		redisOpts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidConfig, err)
		}
		opts = append(opts, WithName(u.Host), WithRedisClient(redis.NewClient(redisOpts)))
		if prefix := u.Query().Get("prefix"); prefix != "" {
			opts = append(opts, WithRedisPrefix(prefix))
		}
		return NewStore(store.StoreTypeRedis, opts...)

	case "sqlite", "sqlite3":
		path := u.Host + u.Path
		if path == "" {
			return nil, fmt.Errorf("%w: sqlite path is required", store.ErrInvalidConfig)
		}
		return NewStore(store.StoreTypeSQLite, append(opts, WithName(path), WithSQLitePath(path))...)

	case "supabase":
		table := strings.Trim(u.Path, "/")
		opts = append(opts,
			WithName(u.Host),
			WithSupabaseConfig("https://"+u.Host, u.Query().Get("apikey")),
		)
		if table != "" {
			opts = append(opts, WithSupabaseTable(table))
		}
		return NewStore(store.StoreTypeSupabase, opts...)

	default:
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStoreType, u.Scheme)
	}
}
