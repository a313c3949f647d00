package docsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/creastat/docsession/store"
)

const (
	defaultOfflinePollInterval = 100 * time.Millisecond
	defaultOfflineTimeout      = 10 * time.Second
)

// DataSource owns a store connection and its replications to remote
// stores. Sessions share a DataSource and delegate going on and off line
// to it.
type DataSource struct {
	adapter      store.Adapter
	remotes      []string
	pollInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger

	mu           sync.Mutex
	replications map[string]store.Replication // By remote URL
}

// SourceOption is a functional option for configuring a DataSource.
type SourceOption func(*DataSource)

// WithRemotes sets the remote store URLs replicated by Connect.
func WithRemotes(urls ...string) SourceOption {
	return func(ds *DataSource) {
		ds.remotes = append(ds.remotes, urls...)
	}
}

// WithOfflinePolling sets how often Disconnect checks that replications
// stopped and how long it waits before giving up.
func WithOfflinePolling(interval, timeout time.Duration) SourceOption {
	return func(ds *DataSource) {
		ds.pollInterval = interval
		ds.timeout = timeout
	}
}

// WithSourceLogger sets the data source logger.
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(ds *DataSource) {
		ds.logger = logger
	}
}

// NewDataSource wraps adapter. Replication does not start until Connect.
func NewDataSource(adapter store.Adapter, opts ...SourceOption) *DataSource {
	ds := &DataSource{
		adapter:      adapter,
		pollInterval: defaultOfflinePollInterval,
		timeout:      defaultOfflineTimeout,
		logger:       slog.Default(),
		replications: make(map[string]store.Replication),
	}
	for _, opt := range opts {
		opt(ds)
	}
	return ds
}

// Adapter returns the underlying store.
func (ds *DataSource) Adapter() store.Adapter {
	return ds.adapter
}

// Remotes returns the configured remote URLs.
func (ds *DataSource) Remotes() []string {
	return append([]string(nil), ds.remotes...)
}

// Connect starts replicating with every configured remote that is not
// already active. Remotes that fail to start are reported together.
func (ds *DataSource) Connect(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var errs []error
	for _, url := range ds.remotes {
		if r, ok := ds.replications[url]; ok && r.Active() {
			continue
		}
		r, err := ds.adapter.Replicate(ctx, url)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to replicate with %s: %w", url, err))
			continue
		}
		ds.replications[url] = r
		ds.logger.Info("replication started", "url", url, "replication", r.ID())
	}
	return errors.Join(errs...)
}

// Disconnect cancels every replication and polls until all of them report
// inactive, or fails once the offline timeout passes. The data source is
// not locked while polling.
func (ds *DataSource) Disconnect(ctx context.Context) error {
	ds.mu.Lock()
	pending := make(map[string]store.Replication, len(ds.replications))
	for url, r := range ds.replications {
		r.Cancel()
		pending[url] = r
	}
	ds.mu.Unlock()

	deadline := time.NewTimer(ds.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(ds.pollInterval)
	defer ticker.Stop()

	for {
		for url, r := range pending {
			if !r.Active() {
				delete(pending, url)
				ds.forget(url, r)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%d replications still active after %s", len(pending), ds.timeout)
		case <-ticker.C:
		}
	}
}

// forget drops r unless Connect has replaced it meanwhile.
func (ds *DataSource) forget(url string, r store.Replication) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if cur, ok := ds.replications[url]; ok && cur.ID() == r.ID() {
		delete(ds.replications, url)
	}
	ds.logger.Info("replication stopped", "url", url, "replication", r.ID())
}

// IsOnline reports whether any replication is active.
func (ds *DataSource) IsOnline() bool {
	return len(ds.ActiveRemotes()) > 0
}

// ActiveRemotes lists the URLs of active replications.
func (ds *DataSource) ActiveRemotes() []string {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var urls []string
	for url, r := range ds.replications {
		if r.Active() {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls
}

// TxSession would open a transactional session. No store supports it.
func (ds *DataSource) TxSession(ctx context.Context) (store.Adapter, error) {
	return nil, fmt.Errorf("%w: transactional sessions", ErrUnimplemented)
}

// Close disconnects and closes the store.
func (ds *DataSource) Close() error {
	err := ds.Disconnect(context.Background())
	return errors.Join(err, ds.adapter.Close())
}
