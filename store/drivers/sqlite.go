package drivers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/creastat/docsession/store"
	"github.com/creastat/docsession/store/revtree"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id     TEXT PRIMARY KEY,
	record TEXT NOT NULL,
	seq    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_seq ON documents(seq);
`

// SQLiteStore implements store.Adapter on an embedded SQLite database.
// Changes are announced to feeds opened on the same SQLiteStore only.
type SQLiteStore struct {
	db     *sql.DB
	ownDB  bool
	name   string
	logger *slog.Logger
	remote []StoreOption

	mu   sync.Mutex // Serializes writers so feeds observe commit order
	feed *store.Broadcaster
}

func newSQLiteStore(config *storeConfig) (*SQLiteStore, error) {
	db := config.sqliteDB
	ownDB := false
	if db == nil {
		var err error
		db, err = sql.Open("sqlite", config.sqlitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		ownDB = true
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		if ownDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to create sqlite schema: %w", err)
	}

	logger := config.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{
		db:     db,
		ownDB:  ownDB,
		name:   config.name,
		logger: logger,
		remote: []StoreOption{WithRegistry(config.registry), WithLogger(logger)},
		feed:   store.NewBroadcaster(),
	}, nil
}

// Get implements store.Adapter.
func (s *SQLiteStore) Get(ctx context.Context, id string, opts store.GetOptions) (*store.Doc, error) {
	rec, err := s.LoadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Doc(opts)
}

// Put implements store.Adapter.
func (s *SQLiteStore) Put(ctx context.Context, id, rev string, value json.RawMessage) (string, error) {
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
func (s *SQLiteStore) Remove(ctx context.Context, id, rev string) (string, error) {
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
func (s *SQLiteStore) Info(ctx context.Context) (store.Info, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return store.Info{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM documents`)
	if err != nil {
		return store.Info{}, err
	}
	defer rows.Close()

	info := store.Info{Name: s.name, Driver: store.StoreTypeSQLite, CheckedAt: time.Now()}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return store.Info{}, err
		}
		var rec revtree.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return store.Info{}, err
		}
		if rec.Live() {
			info.DocCount++
		}
		if rec.Seq > info.UpdateSeq {
			info.UpdateSeq = rec.Seq
		}
	}
	return info, rows.Err()
}

// Changes implements store.Adapter.
func (s *SQLiteStore) Changes(ctx context.Context, ids []string) (store.Feed, error) {
	return s.feed.Subscribe(ids)
}

// Replicate implements store.Adapter.
func (s *SQLiteStore) Replicate(ctx context.Context, remoteURL string) (store.Replication, error) {
	return replicateTo(ctx, s, remoteURL, s.logger, s.remote...)
}

// Close implements store.Adapter.
func (s *SQLiteStore) Close() error {
	s.feed.Close()
	if s.ownDB {
		return s.db.Close()
	}
	return nil
}

// LoadRecord implements RecordStore.
func (s *SQLiteStore) LoadRecord(ctx context.Context, id string) (*revtree.Record, error) {
	return loadSQLiteRecord(ctx, s.db, id)
}

// MergeRecord implements RecordStore.
func (s *SQLiteStore) MergeRecord(ctx context.Context, other *revtree.Record) (bool, error) {
	changed := false
	err := s.update(ctx, other.ID, func(rec *revtree.Record) (bool, error) {
		changed = rec.Merge(other)
		return changed, nil
	})
	return changed, err
}

// IDs implements RecordStore.
func (s *SQLiteStore) IDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) update(ctx context.Context, id string, fn func(rec *revtree.Record) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := loadSQLiteRecord(ctx, tx, id)
	if errors.Is(err, store.ErrNotFound) {
		rec = revtree.NewRecord(id)
	} else if err != nil {
		return err
	}

	changed, err := fn(rec)
	if err != nil || !changed {
		return err
	}

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM documents`).Scan(&rec.Seq); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, record, seq) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record, seq = excluded.seq`,
		id, string(raw), rec.Seq,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if c, ok := rec.Change(); ok {
		s.feed.Publish(c)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSQLiteRecord(ctx context.Context, q queryRower, id string) (*revtree.Record, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record FROM documents WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec revtree.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Compile-time check that SQLiteStore implements RecordStore
var _ RecordStore = (*SQLiteStore)(nil)
