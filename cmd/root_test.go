package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "collect", "inspect", "sync", "run", "schedule", "serve", "snapshots", "runs", "fields"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "listing-sync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestSyncCommand_Flags(t *testing.T) {
	for _, name := range []string{"force", "rebuild-denorm"} {
		flag := syncCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "sync should have --%s", name)
		assert.Equal(t, "false", flag.DefValue)
	}
	assert.NotNil(t, runCmd.Flags().Lookup("force"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestScheduleCommand_Flags(t *testing.T) {
	flag := scheduleCmd.Flags().Lookup("metrics-port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestHistoryCommands_Flags(t *testing.T) {
	assert.Equal(t, "20", snapshotsCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "50", runsCmd.Flags().Lookup("limit").DefValue)
	assert.Equal(t, formatTable, snapshotsCmd.Flags().Lookup("format").DefValue)
	assert.Equal(t, formatTable, runsCmd.Flags().Lookup("format").DefValue)
	assert.NotNil(t, snapshotsCmd.Flags().Lookup("source"))
	assert.NotNil(t, runsCmd.Flags().Lookup("job"))
}
