// recordvault is the command-line front end of the record storage engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/recordvault/recordvault/internal/config"
	"github.com/recordvault/recordvault/internal/engine"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
	dataDir  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "recordvault",
		Short: "RecordVault - durable local record and blob storage",
		Long: `RecordVault stores sessions, tasks and notes with their chunked payloads
and deduplicated blobs in a local data directory, behind a write-ahead log.

Examples:
  # Write a default configuration and an encryption key
  recordvault init ~/.recordvault/config.yaml
  recordvault keygen ~/.recordvault/blob.key

  # Store and read a record
  recordvault put n1 --kind note --set title=Groceries --set 'tags=["home"]'
  recordvault get n1

  # Find records
  recordvault query --where tag:eq:home --sort date --desc

  # Back up and restore
  recordvault snapshot create nightly
  recordvault snapshot restore <id>

For more help on any command, use: recordvault <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "warn", "log level")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (overrides the config file)")

	rootCmd.AddCommand(
		newGetCmd(),
		newPutCmd(),
		newDeleteCmd(),
		newListCmd(),
		newQueryCmd(),
		newApplyCmd(),
		newChunkCmd(),
		newBlobCmd(),
		newSnapshotCmd(),
		newStatsCmd(),
		newVerifyCmd(),
		newRepairCmd(),
		newGCCmd(),
		newRebuildCmd(),
		newCheckpointCmd(),
		newServeCmd(),
		newInitCmd(),
		newKeygenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("recordvault %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads the config file if one was given and applies flag
// overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// withEngine opens the engine, runs fn and closes the engine again, which
// drains every queued write.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	e, err := engine.Open(ctx, engine.Options{Config: cfg, Logger: log.Logger})
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.DataDir, err)
	}
	runErr := fn(ctx, e)
	if err := e.Close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
