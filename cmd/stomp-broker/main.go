package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/config"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/database"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/event"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/logger"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/metrics"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/server"
)

var (
	flagConfig      string
	flagPort        int
	flagMode        string
	flagWorkers     int
	flagMetricsPort int
	flagMemoryStore bool
	flagDebug       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "stomp-broker",
		Short:         "A text-frame message broker with channel fan-out",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&flagConfig, "config", "c", "config.json", "path to the configuration file")
	flags.IntVarP(&flagPort, "port", "p", 0, "listen port (overrides the configuration file)")
	flags.StringVarP(&flagMode, "mode", "m", "", "server mode: reactor or tpc (overrides the configuration file)")
	flags.IntVarP(&flagWorkers, "workers", "w", 0, "reactor worker count (overrides the configuration file)")
	flags.IntVar(&flagMetricsPort, "metrics-port", 0, "metrics listen port (overrides the configuration file)")
	flags.BoolVar(&flagMemoryStore, "memory-store", false, "use the in-memory user store instead of the database")
	flags.BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command) error {
	cfg, err := config.ReadConfigFile(flagConfig)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &cfg)

	loggerCallback := logger.Init(cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	var store database.UserStore
	if cfg.MemoryStore {
		logger.Warn("Using in-memory user store, accounts will not survive a restart")
		store = database.NewMemoryStore()
	} else {
		if err := database.ConnectDatabase(); err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return err
		}
		store = database.NewDatabaseStore()
	}

	srv := server.NewServer(cfg, store)
	if err := srv.Start(); err != nil {
		logger.FatalF("Error occured while starting server, details: %v", err)
		return err
	}
	cleaner.Add(server.NewCloseCallback(srv))

	if cfg.MetricsPort > 0 {
		go metrics.Serve(cfg.MetricsPort)
	}

	// The cleaner exits the process once shutdown completes.
	select {}
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.AppPort = flagPort
	}
	if cmd.Flags().Changed("mode") {
		cfg.ServerMode = flagMode
	}
	if cmd.Flags().Changed("workers") {
		cfg.WorkerCount = flagWorkers
	}
	if cmd.Flags().Changed("metrics-port") {
		cfg.MetricsPort = flagMetricsPort
	}
	if cmd.Flags().Changed("memory-store") {
		cfg.MemoryStore = flagMemoryStore
	}
	if cmd.Flags().Changed("debug") {
		cfg.DebugMode = flagDebug
	}
}
