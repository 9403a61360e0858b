package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"magiceye/config"
	"magiceye/logging"
	"magiceye/server"
)

var (
	cfgFile  string
	logLevel string

	// Set during PersistentPreRunE.
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "magiceye",
	Short: "Bridge an agent process to an in-browser capture agent",
	Long: `magiceye relays capture requests from an agent process to a capture agent
running in a browser over a single persistent websocket. The bridge server
listens locally; the capture agent dials it and reconnects on its own.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded := config.Default()
		if cfgFile != "" {
			var err error
			loaded, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		l, err := logging.New(loaded.Log)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.toml, .yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn, error, or off")
}

// signalContext is cancelled on interrupt or termination.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startBridge starts the bridge server in the background. stop shuts it
// down and releases the registry.
func startBridge() (*server.Server, <-chan error, func(), error) {
	var opts []server.Option
	opts = append(opts, server.WithLogger(logger.Named("bridge")))

	release := func() error { return nil }
	if cfg.Registry.Kind == config.RegistryEtcd {
		reg, closeReg, err := cfg.NewRegistry()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect registry: %w", err)
		}
		opts = append(opts, server.WithRegistry(reg))
		release = closeReg
	}

	srv := server.NewServer(cfg.Server, opts...)
	ch := make(chan error, 1)
	go func() { ch <- srv.ListenAndServe() }()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("bridge shutdown", zap.Error(err))
		}
		_ = release()
	}
	return srv, ch, stop, nil
}
