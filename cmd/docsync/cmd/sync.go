package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/creastat/docsession/store/drivers"
)

var syncLive bool

var syncCmd = &cobra.Command{
	Use:   "sync <remote-url>",
	Short: "Replicate with a remote store",
	Long: `Run one two-way replication pass between the store and a remote store.
With --live, keep replicating until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Probe the store and print its statistics",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(infoCmd)

	syncCmd.Flags().BoolVar(&syncLive, "live", false, "Keep replicating until interrupted")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	remoteURL := args[0]

	if syncLive {
		remotes = append(remotes, remoteURL)
		s, ds, err := openSession(ctx, cmd)
		if err != nil {
			return err
		}
		defer ds.Close()

		if err := s.GoOnline(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "replicating with %v\n", ds.ActiveRemotes())

		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-sigCtx.Done()
		return s.GoOffline(ctx)
	}

	_, ds, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer ds.Close()

	remote, err := drivers.Open(ctx, remoteURL, drivers.WithLogger(newLogger(cmd.ErrOrStderr())))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", remoteURL, err)
	}
	defer remote.Close()

	if err := drivers.SyncOnce(ctx, ds.Adapter(), remote); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "synced %s with %s\n", storeURL, remoteURL)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, ds, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer ds.Close()

	info, err := ds.Adapter().Info(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), info)
}
