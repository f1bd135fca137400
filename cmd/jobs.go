package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/feedsync"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Fetch every feed endpoint and store snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := openPool(ctx, "sync")
		if err != nil {
			return err
		}
		defer pool.Close()

		sum, err := newRunner(pool).Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "collect")
		}
		zap.L().Info("collect finished",
			zap.Int("stored", sum.Stored),
			zap.Int("changed", sum.Changed),
			zap.Strings("failed", sum.Failed),
		)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Record schema observations for the latest snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := openPool(ctx, "sync")
		if err != nil {
			return err
		}
		defer pool.Close()

		return eris.Wrap(newRunner(pool).Inspect(ctx), "inspect")
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the latest snapshots into the catalog",
	Long:  "Decodes the latest snapshot of every endpoint and upserts it into catalog.*, then marks apartments no longer in the feed as deleted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		force, _ := cmd.Flags().GetBool("force")
		rebuild, _ := cmd.Flags().GetBool("rebuild-denorm")

		pool, err := openPool(ctx, "sync")
		if err != nil {
			return err
		}
		defer pool.Close()

		runner := newRunner(pool)
		if rebuild {
			n, err := runner.RebuildDenormalized(ctx)
			if err != nil {
				return eris.Wrap(err, "sync rebuild")
			}
			zap.L().Info("denormalized columns rebuilt", zap.Int64("apartments", n))
			return nil
		}

		sum, err := runner.Sync(ctx, force)
		if err != nil {
			return eris.Wrap(err, "sync")
		}
		logSyncSummary(sum)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect, inspect and sync once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		force, _ := cmd.Flags().GetBool("force")

		pool, err := openPool(ctx, "sync")
		if err != nil {
			return err
		}
		defer pool.Close()

		sum, err := newRunner(pool).RunAll(ctx, force)
		if err != nil {
			return eris.Wrap(err, "run")
		}
		logSyncSummary(sum)
		return nil
	},
}

func logSyncSummary(sum *feedsync.SyncSummary) {
	written := 0
	var stale int64
	for _, r := range sum.Reports {
		written += r.Written()
		stale += r.StaleMarked
	}
	zap.L().Info("sync finished",
		zap.Time("sync_ts", sum.SyncTS),
		zap.Strings("synced", sum.Synced),
		zap.Strings("skipped", sum.Skipped),
		zap.Strings("failed", sum.Failed),
		zap.Int("written", written),
		zap.Int64("stale_marked", stale),
	)
}

func init() {
	syncCmd.Flags().Bool("force", false, "sync even when no snapshot arrived since the last successful sync")
	syncCmd.Flags().Bool("rebuild-denorm", false, "re-project denormalized apartment columns from blocks and buildings instead of syncing")
	runCmd.Flags().Bool("force", false, "sync even when no snapshot arrived since the last successful sync")

	rootCmd.AddCommand(collectCmd, inspectCmd, syncCmd, runCmd)
}
