package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/richardartoul/filememo/pkg/fingerprint"
)

func newFingerprintCmd() *cobra.Command {
	var (
		asJSON bool
		digits int
	)

	cmd := &cobra.Command{
		Use:   "fingerprint <arg>...",
		Short: "Print the fingerprint of a list of arguments",
		Long: `Print the fingerprint of a list of arguments.

Arguments are strings unless --json is given, in which case each is decoded as
a JSON value first, so numbers fingerprint as floats at the configured
precision and objects as mappings.`,
		Example: `  filememo fingerprint dem.tif
  filememo fingerprint --json '"dem.tif"' 30 '{"nodata": -9999}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("digits") {
				digits = cfg.Cache.Digits
			}
			values := make([]any, len(args))
			for i, arg := range args {
				if !asJSON {
					values[i] = arg
					continue
				}
				if err := json.Unmarshal([]byte(arg), &values[i]); err != nil {
					return fmt.Errorf("argument %d is not valid JSON: %w", i+1, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), fingerprint.New(digits).Sum(values...))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Decode each argument as JSON")
	cmd.Flags().IntVar(&digits, "digits", fingerprint.DefaultDigits, "Float precision (default from config)")
	return cmd
}
