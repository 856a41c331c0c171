package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/richardartoul/filememo/pkg/config"
)

var (
	// Global flags
	configPath string

	// Shared state injected into commands
	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "filememo",
	Short: "Tiered result cache for file-producing computations",
	Long: `filememo resolves virtual paths to local files through a bounded LRU
cache in front of durable storage (a shared filesystem, S3 or an OCI
registry), and memoizes commands so each distinct input is computed once
across a cluster.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
			return nil
		}
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		// Logs go to stderr; stdout carries results and the serve protocol.
		logger, err = newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

// loadConfig reads path, or $FILEMEMO_CONFIG when path is empty, over the
// defaults, then applies environment overrides.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		path = os.Getenv("FILEMEMO_CONFIG")
	}
	c := config.Default()
	if path != "" {
		var err error
		if c, err = config.Load(path); err != nil {
			return c, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// openNode wires a node from the loaded configuration.
func openNode(ctx context.Context) (*node, error) {
	return newNode(ctx, cfg, logger)
}

// Execute runs the root command with a signal-aware context.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "filememo:", err)
		cancel()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.yaml, .yml or .toml); defaults to $FILEMEMO_CONFIG")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newExistsCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newFingerprintCmd())
}
