package main

import (
	"fmt"
	"os"

	"github.com/devrev/pairdb/objectnode/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "objectnode",
		Short: "Object storage node consistency daemons",
		Long: `objectnode stores objects and container listings on local devices and keeps
them consistent with their replicas on other nodes.

Examples:
  # Run the replication server and every background pass
  objectnode serve --config /etc/objectnode/config.yaml

  # Run a single audit pass over every local device and exit
  objectnode auditor once`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the config file (default $CONFIG_PATH or ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level from the config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newOnceCmd("auditor", "Expire due objects and reclaim old markers on every local device", runAuditorOnce))
	rootCmd.AddCommand(newOnceCmd("replicator", "Sync object partitions with their peer replicas", runReplicatorOnce))
	rootCmd.AddCommand(newOnceCmd("container-replicator", "Sync container listing partitions with their peer replicas", runContainerReplicatorOnce))
	rootCmd.AddCommand(newOnceCmd("updater", "Push container aggregate deltas to the account tier", runUpdaterOnce))

	return rootCmd
}

// loadConfig resolves the config path from the flag, then CONFIG_PATH.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config.yaml"
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
