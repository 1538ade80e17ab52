// kcorrelate joins order, inventory and payment events by correlation id and
// publishes one composite event per completed order.
//
// Usage:
//
//	kcorrelate run -c kcorrelate.yaml
//	kcorrelate topics create
//	kcorrelate produce -n 100 --duplicates 0.1
//	kcorrelate observe
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/birdayz/kcorrelate/internal/config"
	"github.com/birdayz/kcorrelate/pkg/log"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kcorrelate",
		Short: "Correlate events from several Kafka topics into composite events",
		Long: `kcorrelate consumes one topic per event kind, joins events that share a
correlation id and publishes a single CloudEvent once every required kind has
arrived. Partial matches that never complete are evicted after maxAge.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(produceCmd())
	rootCmd.AddCommand(observeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log.Slog(log.NewWithLevel(level)), nil
}
