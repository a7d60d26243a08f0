package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tripcache/internal/tripcache"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "tripcache",
	Short:         "Offline request-caching and sync edge for the booking app",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("TRIPCACHE_CONFIG", "/tripcache.yaml"), "path to tripcache.yaml")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tripcache:", err)
		os.Exit(1)
	}
}

// load reads the config and builds a logger at its level.
func load() (tripcache.Config, *zap.Logger, error) {
	cfg, err := tripcache.LoadConfig(configPath)
	if err != nil {
		return tripcache.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := tripcache.NewLogger(cfg.Logging.Level)
	if err != nil {
		return tripcache.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, log, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
