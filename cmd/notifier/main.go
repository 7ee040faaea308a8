// Command notifier runs the real-time notification fan-out service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucas-bruzzone/sistema-rural-demo/internal/config"
	"github.com/lucas-bruzzone/sistema-rural-demo/internal/logging"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notifier",
		Short: "Real-time notification fan-out for duplex client connections",
		Long: `notifier keeps a registry of live client connections and their topic
subscriptions, classifies domain events into notifications and pushes them to
every connection that should see them.

Configuration comes from an optional YAML file and NOTIFIER_* environment
variables, which take precedence.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newPublishCmd(),
		newTokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and builds the logger.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
