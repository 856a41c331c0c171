package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/richardartoul/filememo/pkg/tiered"
	"github.com/richardartoul/filememo/pkg/vpath"
)

// withNode opens a node for the duration of fn.
func withNode(ctx context.Context, fn func(n *node) error) (err error) {
	n, err := openNode(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := n.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(n)
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <vpath>",
		Short: "Print the local path of a stored result, downloading it if needed",
		Example: `  filememo get rasters/dem.tif
  filememo get s3://rasters/dem.tif`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := vpath.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withNode(ctx, func(n *node) error {
				local, err := n.resolver.GetLocally(ctx, p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), local)
				return nil
			})
		},
	}
}

func newPutCmd() *cobra.Command {
	var placement string

	cmd := &cobra.Command{
		Use:   "put <file> <vpath>",
		Short: "Store a local file durably and place it in the local cache",
		Long: `Store a local file durably and place it in the local cache.

The file is written to durable storage first. It then enters the local cache
by moving (the default), hard-linking or copying it.`,
		Example: `  filememo put /tmp/out.tif rasters/out.tif
  filememo put --placement copy ./out.tif s3://rasters/out.tif`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := vpath.Parse(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withNode(ctx, func(n *node) error {
				place := n.placement
				if placement != "" {
					if place, err = tiered.ParsePlacement(placement); err != nil {
						return err
					}
				}
				if err := n.resolver.Upload(ctx, args[0], p, place); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n.resolver.LocalPath(p))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&placement, "placement", "", "How the file enters the cache: move, link or copy (default from config)")
	return cmd
}

func newExistsCmd() *cobra.Command {
	var showTime bool

	cmd := &cobra.Command{
		Use:   "exists <vpath>",
		Short: "Report whether a result is in durable storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := vpath.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withNode(ctx, func(n *node) error {
				ok, err := n.resolver.InStorage(ctx, p)
				if err != nil {
					return err
				}
				if !ok || !showTime {
					fmt.Fprintln(cmd.OutOrStdout(), ok)
					return nil
				}
				ts, err := n.resolver.Timestamp(ctx, p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok, ts.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&showTime, "time", false, "Also print the stored result's timestamp")
	return cmd
}
