package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/docsession/store"
	"github.com/creastat/docsession/store/revtree"
)

const (
	// Default Redis key prefix for documents
	defaultRedisPrefix = "docs:"
	// Attempts at a WATCH transaction before giving up on a hot key
	maxTxRetries = 16
)

// RedisStore implements store.Adapter using Redis with optimistic locking.
// Each document is a JSON revision record; changes are announced on a
// pub/sub channel from inside the same MULTI/EXEC that commits them.
type RedisStore struct {
	client *redis.Client
	prefix string
	name   string
	logger *slog.Logger
	remote []StoreOption
}

// NewRedisStore creates a new Redis-based document store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return newRedisStore(&storeConfig{redisClient: client, redisPrefix: prefix})
}

func newRedisStore(config *storeConfig) *RedisStore {
	prefix := config.redisPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	logger := config.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: config.redisClient,
		prefix: prefix,
		name:   config.name,
		logger: logger,
		remote: []StoreOption{WithRegistry(config.registry), WithLogger(logger)},
	}
}

// Get implements store.Adapter.
func (s *RedisStore) Get(ctx context.Context, id string, opts store.GetOptions) (*store.Doc, error) {
	rec, err := s.LoadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Doc(opts)
}

// Put implements store.Adapter.
func (s *RedisStore) Put(ctx context.Context, id, rev string, value json.RawMessage) (string, error) {
	var newRev string
	err := s.update(ctx, id, func(rec *revtree.Record) (bool, error) {
		leaf, err := rec.Put(rev, value)
		if err != nil {
			return false, err
		}
		newRev = leaf.Rev
		return true, nil
	})
	return newRev, err
}

// Remove implements store.Adapter.
func (s *RedisStore) Remove(ctx context.Context, id, rev string) (string, error) {
	var newRev string
	err := s.update(ctx, id, func(rec *revtree.Record) (bool, error) {
		leaf, err := rec.Remove(rev)
		if err != nil {
			return false, err
		}
		newRev = leaf.Rev
		return true, nil
	})
	return newRev, err
}

// Info implements store.Adapter.
func (s *RedisStore) Info(ctx context.Context) (store.Info, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return store.Info{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	ids, err := s.IDs(ctx)
	if err != nil {
		return store.Info{}, err
	}
	count := 0
	for _, id := range ids {
		rec, err := s.LoadRecord(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return store.Info{}, err
		}
		if rec.Live() {
			count++
		}
	}
	seq, err := s.client.Get(ctx, s.seqKey()).Int64()
	if err != nil && err != redis.Nil {
		return store.Info{}, err
	}

	return store.Info{
		Name:      s.name,
		Driver:    store.StoreTypeRedis,
		DocCount:  count,
		UpdateSeq: seq,
		CheckedAt: time.Now(),
	}, nil
}

// Changes implements store.Adapter.
// The subscription is confirmed before returning, so no change committed
// after Changes returns is missed.
func (s *RedisStore) Changes(ctx context.Context, ids []string) (store.Feed, error) {
	ps := s.client.Subscribe(ctx, s.channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	q := store.NewQueue(ids, func() { _ = ps.Close() })
	go func() {
		defer q.Cancel()
		for msg := range ps.Channel() {
			var c store.Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				s.logger.Warn("dropping malformed change", "channel", msg.Channel, "err", err)
				continue
			}
			q.Push(c)
		}
	}()
	return q, nil
}

// Replicate implements store.Adapter.
func (s *RedisStore) Replicate(ctx context.Context, remoteURL string) (store.Replication, error) {
	return replicateTo(ctx, s, remoteURL, s.logger, s.remote...)
}

// Close implements store.Adapter.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// LoadRecord implements RecordStore.
func (s *RedisStore) LoadRecord(ctx context.Context, id string) (*revtree.Record, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec revtree.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MergeRecord implements RecordStore.
func (s *RedisStore) MergeRecord(ctx context.Context, other *revtree.Record) (bool, error) {
	changed := false
	err := s.update(ctx, other.ID, func(rec *revtree.Record) (bool, error) {
		changed = rec.Merge(other)
		return changed, nil
	})
	return changed, err
}

// IDs implements RecordStore.
func (s *RedisStore) IDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// update implements optimistic locking using Redis WATCH/MULTI/EXEC.
// fn runs against the record read under WATCH; the write, the id index
// and the change announcement commit together.
func (s *RedisStore) update(ctx context.Context, id string, fn func(rec *revtree.Record) (bool, error)) error {
	key := s.key(id)

	txf := func(tx *redis.Tx) error {
		// Get current value
		rec := revtree.NewRecord(id)
		val, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(val, rec); err != nil {
				return err
			}
		}

		changed, err := fn(rec)
		if err != nil || !changed {
			return err
		}

		// The sequence key is watched too, so it only moves on commit
		seq, err := tx.Get(ctx, s.seqKey()).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		rec.Seq = seq + 1

		newVal, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		c, _ := rec.Change()
		payload, err := json.Marshal(c)
		if err != nil {
			return err
		}

		// Execute transaction
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, 0)
			pipe.Set(ctx, s.seqKey(), rec.Seq, 0)
			pipe.SAdd(ctx, s.idsKey(), id)
			pipe.Publish(ctx, s.channel(), payload)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key, s.seqKey())
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: too much contention on %q", store.ErrConflict, id)
}

// key constructs the Redis key for a document ID.
func (s *RedisStore) key(id string) string {
	return s.prefix + "doc:" + id
}

func (s *RedisStore) idsKey() string {
	return s.prefix + "ids"
}

func (s *RedisStore) seqKey() string {
	return s.prefix + "seq"
}

func (s *RedisStore) channel() string {
	return s.prefix + "changes"
}

// Compile-time check that RedisStore implements RecordStore
var _ RecordStore = (*RedisStore)(nil)
