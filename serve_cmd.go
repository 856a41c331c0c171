package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve cache requests as JSON lines on stdin/stdout",
		Long: `Serve cache requests as JSON lines on stdin/stdout.

Worker processes send one JSON request per line and read one response per
line. The first line written is the list of supported commands. Commands are
get, put, exists, timestamp, check and close.`,
		Example: `  echo '{"ID":1,"Command":"get","Path":"rasters/dem.tif"}' | filememo serve`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if metricsAddr == "" {
				metricsAddr = cfg.Metrics.Addr
			}
			return withNode(ctx, func(n *node) error {
				if metricsAddr != "" {
					stop := serveMetrics(metricsAddr, n)
					defer stop()
				}
				defer n.collector.Latency().LogStats(n.logger)
				srv := NewServer(n.resolver, n.placement, cfg.Cache.CheckInterval, n.logger, os.Stdin, cmd.OutOrStdout())
				return srv.Run(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (default from config)")
	return cmd
}

// serveMetrics exposes the node's collector until the returned func is called.
func serveMetrics(addr string, n *node) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	n.logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			n.logger.Warn("failed to stop metrics server", "error", err)
		}
	}
}
