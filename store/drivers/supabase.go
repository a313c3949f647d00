package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/creastat/docsession/store"
	"github.com/creastat/docsession/store/revtree"
)

const (
	defaultSupabaseTable = "documents"
	defaultPollInterval  = time.Second

	pgUniqueViolation = "23505"
)

// supabaseRow is one document row. The table is expected to be:
//
//	create table documents (id text primary key, record jsonb not null, seq bigint not null);
type supabaseRow struct {
	ID     string          `json:"id"`
	Record *revtree.Record `json:"record"`
	Seq    int64           `json:"seq"`
}

// SupabaseStore implements store.Adapter over a PostgREST table.
// Writes are guarded by the row's seq column; changes are discovered by
// polling for rows with a newer seq.
type SupabaseStore struct {
	client       *supabase.Client
	table        string
	name         string
	pollInterval time.Duration
	logger       *slog.Logger
	remote       []StoreOption

	lastSeq atomic.Int64

	closed chan struct{}
	once   sync.Once
}

func newSupabaseStore(config *storeConfig) (*SupabaseStore, error) {
	client := config.supabaseClient
	if client == nil {
		var err error
		client, err = supabase.NewClient(config.supabaseURL, config.supabaseKey, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create supabase client: %w", err)
		}
	}

	table := config.supabaseTable
	if table == "" {
		table = defaultSupabaseTable
	}
	interval := config.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := config.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SupabaseStore{
		client:       client,
		table:        table,
		name:         config.name,
		pollInterval: interval,
		logger:       logger,
		remote:       []StoreOption{WithRegistry(config.registry), WithLogger(logger)},
		closed:       make(chan struct{}),
	}, nil
}

// Get implements store.Adapter.
func (s *SupabaseStore) Get(ctx context.Context, id string, opts store.GetOptions) (*store.Doc, error) {
	rec, err := s.LoadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Doc(opts)
}

// Put implements store.Adapter.
func (s *SupabaseStore) Put(ctx context.Context, id, rev string, value json.RawMessage) (string, error) {
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
func (s *SupabaseStore) Remove(ctx context.Context, id, rev string) (string, error) {
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
func (s *SupabaseStore) Info(ctx context.Context) (store.Info, error) {
	var rows []supabaseRow
	_, err := s.client.From(s.table).
		Select("*", "", false).
		ExecuteTo(&rows)
	if err != nil {
		return store.Info{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	info := store.Info{Name: s.name, Driver: store.StoreTypeSupabase, CheckedAt: time.Now()}
	for _, row := range rows {
		if row.Record != nil && row.Record.Live() {
			info.DocCount++
		}
		if row.Seq > info.UpdateSeq {
			info.UpdateSeq = row.Seq
		}
	}
	return info, nil
}

// Changes implements store.Adapter.
func (s *SupabaseStore) Changes(ctx context.Context, ids []string) (store.Feed, error) {
	select {
	case <-s.closed:
		return nil, store.ErrClosed
	default:
	}

	q := store.NewQueue(ids, nil)
	since := s.nextSeq()
	go s.poll(q, ids, since)
	return q, nil
}

// Replicate implements store.Adapter.
func (s *SupabaseStore) Replicate(ctx context.Context, remoteURL string) (store.Replication, error) {
	return replicateTo(ctx, s, remoteURL, s.logger, s.remote...)
}

// Close implements store.Adapter.
func (s *SupabaseStore) Close() error {
	// Supabase client doesn't require explicit close
	s.once.Do(func() { close(s.closed) })
	return nil
}

// LoadRecord implements RecordStore.
func (s *SupabaseStore) LoadRecord(ctx context.Context, id string) (*revtree.Record, error) {
	row, err := s.loadRow(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, store.ErrNotFound
	}
	return row.Record, nil
}

// MergeRecord implements RecordStore.
func (s *SupabaseStore) MergeRecord(ctx context.Context, other *revtree.Record) (bool, error) {
	changed := false
	err := s.update(ctx, other.ID, func(rec *revtree.Record) (bool, error) {
		changed = rec.Merge(other)
		return changed, nil
	})
	return changed, err
}

// IDs implements RecordStore.
func (s *SupabaseStore) IDs(ctx context.Context) ([]string, error) {
	var rows []struct {
		ID string `json:"id"`
	}
	_, err := s.client.From(s.table).
		Select("id", "", false).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list document ids: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// update reads the row, applies fn and writes it back guarded by the seq
// it read. A lost race re-reads and tries again.
func (s *SupabaseStore) update(ctx context.Context, id string, fn func(rec *revtree.Record) (bool, error)) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		row, err := s.loadRow(id)
		if err != nil {
			return err
		}

		rec := revtree.NewRecord(id)
		var oldSeq int64
		if row != nil {
			rec, oldSeq = row.Record, row.Seq
		}

		changed, err := fn(rec)
		if err != nil || !changed {
			return err
		}
		rec.Seq = s.nextSeq()

		next := supabaseRow{ID: id, Record: rec, Seq: rec.Seq}
		var written []supabaseRow
		if row == nil {
			_, err = s.client.From(s.table).
				Insert(next, false, "", "representation", "").
				ExecuteTo(&written)
			if isUniqueViolation(err) {
				s.logger.Debug("supabase insert lost race", "id", id, "err", err)
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to insert document: %w", err)
			}
		} else {
			_, err = s.client.From(s.table).
				Update(next, "representation", "").
				Eq("id", id).
				Eq("seq", strconv.FormatInt(oldSeq, 10)).
				ExecuteTo(&written)
			if err != nil {
				return fmt.Errorf("failed to update document: %w", err)
			}
		}
		if len(written) > 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: too much contention on %q", store.ErrConflict, id)
}

// isUniqueViolation reports whether err is PostgREST's answer to an insert
// of an existing primary key. postgrest-go only keeps the error code, as
// "(<code>) <message>".
func isUniqueViolation(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "("+pgUniqueViolation+")")
}

func (s *SupabaseStore) loadRow(id string) (*supabaseRow, error) {
	var rows []supabaseRow
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	if len(rows) == 0 || rows[0].Record == nil {
		return nil, nil
	}
	return &rows[0], nil
}

// poll pushes rows newer than since into q until q or the store closes.
func (s *SupabaseStore) poll(q *store.Queue, ids []string, since int64) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.Done():
			return
		case <-s.closed:
			q.Cancel()
			return
		case <-ticker.C:
		}

		query := s.client.From(s.table).
			Select("*", "", false).
			Gt("seq", strconv.FormatInt(since, 10))
		if len(ids) > 0 {
			query = query.In("id", ids)
		}

		var rows []supabaseRow
		if _, err := query.ExecuteTo(&rows); err != nil {
			s.logger.Warn("supabase change poll failed", "table", s.table, "err", err)
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })

		for _, row := range rows {
			if row.Record == nil {
				continue
			}
			if c, ok := row.Record.Change(); ok {
				q.Push(c)
			}
			if row.Seq > since {
				since = row.Seq
			}
		}
	}
}

// nextSeq returns a strictly increasing sequence based on wall-clock time.
// PostgREST offers no atomic counter, so sequences from separate writers
// are only ordered as well as their clocks are.
func (s *SupabaseStore) nextSeq() int64 {
	for {
		now := time.Now().UnixNano()
		last := s.lastSeq.Load()
		if now <= last {
			now = last + 1
		}
		if s.lastSeq.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Compile-time check that SupabaseStore implements RecordStore
var _ RecordStore = (*SupabaseStore)(nil)
