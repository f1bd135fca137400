package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-sync/internal/feedsync"
	"github.com/sells-group/listing-sync/internal/inspector"
	"github.com/sells-group/listing-sync/internal/snapshot"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List stored feed snapshots",
	Long:  "Shows the snapshot history, newest first, for one endpoint (--source) or all of them.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		pool, err := openPool(ctx, "migrate")
		if err != nil {
			return err
		}
		defer pool.Close()

		snaps, err := snapshot.NewStore(pool, snapshot.OptionsFromConfig(cfg.Snapshot)).List(ctx, source, limit)
		if err != nil {
			return eris.Wrap(err, "snapshots")
		}
		if len(snaps) == 0 && format == formatTable {
			fmt.Fprintln(os.Stderr, "No snapshots found. Run 'listing-sync collect' first.")
			return nil
		}
		return writeSnapshots(os.Stdout, format, snaps)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show the job run log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		job, _ := cmd.Flags().GetString("job")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		pool, err := openPool(ctx, "migrate")
		if err != nil {
			return err
		}
		defer pool.Close()

		entries, err := feedsync.NewSyncLog(pool).List(ctx, job, limit)
		if err != nil {
			return eris.Wrap(err, "runs")
		}
		if len(entries) == 0 && format == formatTable {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		return writeRuns(os.Stdout, format, entries)
	},
}

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Show the inferred feed schema of an endpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		source, _ := cmd.Flags().GetString("source")
		format, _ := cmd.Flags().GetString("format")

		pool, err := openPool(ctx, "migrate")
		if err != nil {
			return err
		}
		defer pool.Close()

		fields, err := inspector.NewObservationStore(pool).List(ctx, source)
		if err != nil {
			return eris.Wrap(err, "fields")
		}
		if len(fields) == 0 && format == formatTable {
			fmt.Fprintln(os.Stderr, "No observations found. Run 'listing-sync inspect' first.")
			return nil
		}
		return writeFields(os.Stdout, format, fields)
	},
}

func init() {
	snapshotsCmd.Flags().String("source", "", "only snapshots of this endpoint URL")
	snapshotsCmd.Flags().Int("limit", 20, "maximum number of snapshots")
	snapshotsCmd.Flags().String("format", formatTable, "output format: table, json or yaml")

	runsCmd.Flags().String("job", "", "only runs of this job (collect, inspect, sync, rebuild)")
	runsCmd.Flags().Int("limit", 50, "maximum number of runs")
	runsCmd.Flags().String("format", formatTable, "output format: table, json or yaml")

	fieldsCmd.Flags().String("source", "", "endpoint URL")
	fieldsCmd.Flags().String("format", formatTable, "output format: table, json or yaml")
	_ = fieldsCmd.MarkFlagRequired("source")

	rootCmd.AddCommand(snapshotsCmd, runsCmd, fieldsCmd)
}
