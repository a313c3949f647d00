package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/creastat/docsession"
)

var watchFor time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <key>...",
	Short: "Print changes to documents as they happen",
	Long: `Follow the live change feed for the given keys and print one JSON line per
change. Runs until interrupted, or for --for if set. Remotes given with
--remote are replicated while watching.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchFor, "for", 0, "Stop watching after this long (0 watches until interrupted)")
}

type changeLine struct {
	ID      string          `json:"id"`
	Rev     string          `json:"rev"`
	Deleted bool            `json:"deleted,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if watchFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchFor)
		defer cancel()
	}

	s, ds, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer ds.Close()

	keys := make([]docsession.Key, 0, len(args))
	for _, arg := range args {
		keys = append(keys, keyFor(arg))
	}

	var mu sync.Mutex
	enc := json.NewEncoder(cmd.OutOrStdout())
	emit := func(line changeLine) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(line)
	}

	sub, err := s.Subscribe(ctx, keys, docsession.Handlers[json.RawMessage]{
		Change: func(id string, doc *docsession.Document[json.RawMessage]) {
			emit(changeLine{ID: id, Rev: doc.Revision(), Value: doc.Current()})
		},
		Deleted: func(id, rev string) {
			emit(changeLine{ID: id, Rev: rev, Deleted: true})
		},
	})
	if err != nil {
		return err
	}
	defer sub.Cancel()

	if len(remotes) > 0 {
		if err := s.GoOnline(ctx); err != nil {
			return err
		}
		defer func() { _ = s.GoOffline(context.Background()) }()
	}

	<-ctx.Done()
	return nil
}
