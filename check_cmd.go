package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Reconcile the local cache's bookkeeping with the files on disk",
		Long: `Reconcile the local cache's bookkeeping with the files on disk.

Entries whose files have disappeared are dropped and changed sizes are
re-measured. The scan only runs if cache.check_interval has passed since the
last complete scan, unless --force is given, so it is safe to call from a
scheduler on every tick.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withNode(ctx, func(n *node) error {
				report, ran, err := runCheck(ctx, n.cache, cfg.Cache.CheckInterval, force)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !ran {
					fmt.Fprintln(out, "not due")
					return nil
				}
				fmt.Fprintf(out, "checked %d entries, removed %d (%d bytes), resized %d, drift %d bytes\n",
					report.Checked, report.Removed, report.ReclaimedBytes, report.Resized, report.Drift)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Scan even if the last scan is recent")
	return cmd
}
