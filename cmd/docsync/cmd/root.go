package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/creastat/docsession"
	"github.com/creastat/docsession/resolve"
	"github.com/creastat/docsession/store/drivers"
)

var (
	storeURL   string
	configFile string
	bucket     string
	remotes    []string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Inspect and replicate revision-tracked document stores",
	Long: `docsync reads and writes documents in a revision-tracked store through a
docsession session, follows live changes and replicates with remote stores.

Store URLs: mem://name, redis://host:port/db, sqlite:///path/to/file.db,
supabase://project.supabase.co/table?apikey=KEY`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeURL, "store", "sqlite://docsync.db", "Store URL")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Session parameters YAML file")
	rootCmd.PersistentFlags().StringVar(&bucket, "bucket", "", "Bucket prefixed to every key")
	rootCmd.PersistentFlags().StringSliceVar(&remotes, "remote", nil, "Remote store URL to replicate with (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func Execute() error {
	return rootCmd.Execute()
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openSession opens the store and a session over raw JSON documents.
// Conflicts, when handled, keep the store's winning revision.
func openSession(ctx context.Context, cmd *cobra.Command) (*docsession.Session[json.RawMessage], *docsession.DataSource, error) {
	logger := newLogger(cmd.ErrOrStderr())

	params := docsession.DefaultParams()
	if configFile != "" {
		var err error
		if params, err = docsession.LoadParams(configFile); err != nil {
			return nil, nil, err
		}
	}

	adapter, err := drivers.Open(ctx, storeURL, drivers.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", storeURL, err)
	}
	ds := docsession.NewDataSource(adapter,
		docsession.WithRemotes(remotes...),
		docsession.WithSourceLogger(logger),
	)

	// Each command exits right after it writes, so saves are always
	// explicit; a background auto-save would race the exit.
	s, err := docsession.New[json.RawMessage](ctx, ds,
		docsession.WithParams(params),
		docsession.WithAutoSave(false),
		docsession.WithLogger(logger),
	)
	if err != nil {
		_ = ds.Close()
		return nil, nil, err
	}
	s.RegisterHooks(docsession.Hooks[json.RawMessage]{
		ConflictHandler: resolve.KeepCurrent[json.RawMessage](),
	})
	return s, ds, nil
}

func keyFor(arg string) docsession.Key {
	if bucket != "" {
		return docsession.InBucket(bucket, arg)
	}
	return docsession.ID(arg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
