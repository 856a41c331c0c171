package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/richardartoul/filememo/pkg/memoize"
	"github.com/richardartoul/filememo/pkg/tiered"
	"github.com/richardartoul/filememo/pkg/vpath"
)

const (
	// inputPrefix marks a command argument as a virtual path to resolve.
	inputPrefix = "@"
	// outputPlaceholder is replaced by the file the command must write.
	outputPlaceholder = "{out}"
)

func newRunCmd() *cobra.Command {
	var (
		opts        memoize.Options
		freshAfter  string
		placement   string
		lease       time.Duration
		printResult bool
	)

	cmd := &cobra.Command{
		Use:   "run <name> -- <command> [args...]",
		Short: "Run a command once per distinct input and store its output file",
		Long: `Run a command once per distinct input and store its output file.

The command's arguments form the key. An argument of the form @<vpath> is a
stored input: it is fetched into the local cache and replaced by its local
path. Every occurrence of {out} is replaced by the path the command must write
its output to.

If the output for the key is already stored, the command does not run. If
another worker is computing the same key, run fails immediately.`,
		Example: `  filememo run hillshade --ext .tif -- gdaldem hillshade @rasters/dem.tif {out}
  filememo run --fresh-after 2024-01-01T00:00:00Z stats -- ./stats.sh @s3://in/a.csv {out}`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, command := args[0], args[1:]
			if freshAfter != "" {
				ts, err := time.Parse(time.RFC3339, freshAfter)
				if err != nil {
					return fmt.Errorf("invalid --fresh-after: %w", err)
				}
				opts.MinFreshness = ts
			}
			opts.LeaseTTL = lease
			if opts.LeaseTTL == 0 {
				opts.LeaseTTL = cfg.Guard.Lease
			}

			callArgs, err := parseRunArgs(command)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return withNode(ctx, func(n *node) error {
				var err error
				opts.Placement = n.placement
				if placement != "" {
					if opts.Placement, err = tiered.ParsePlacement(placement); err != nil {
						return err
					}
				}

				// The output is written inside the cache dir so that moving it
				// into place is a rename.
				work, err := os.MkdirTemp(cfg.Cache.Dir, ".run-")
				if err != nil {
					return fmt.Errorf("failed to create work dir: %w", err)
				}
				defer os.RemoveAll(work)

				fn := n.memo.Wrap(name, execFunc(work, opts.Ext, cmd), opts)
				result, err := fn(ctx, callArgs...)
				if err != nil {
					return err
				}
				p := result.(vpath.Path)
				if !printResult {
					fmt.Fprintln(cmd.OutOrStdout(), p)
					return nil
				}
				local, err := n.resolver.GetLocally(ctx, p)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), local)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Output, "output", "", "Store under this fixed name instead of a fingerprint of the arguments")
	f.StringVar(&opts.Prefix, "prefix", "", "Prefix for the stored path")
	f.StringVar(&opts.Ext, "ext", "", "Extension of the stored file, e.g. .tif")
	f.StringVar(&opts.Scheme, "scheme", "", "Store in this backend instead of the default")
	f.StringVar(&freshAfter, "fresh-after", "", "Recompute stored outputs not newer than this RFC 3339 time")
	f.StringVar(&placement, "placement", "", "How the output enters the cache: move, link or copy (default from config)")
	f.DurationVar(&lease, "lease", 0, "Execution guard lease (default from config)")
	f.BoolVarP(&printResult, "local", "l", false, "Print the local path of the output instead of its virtual path")
	return cmd
}

// parseRunArgs turns @-prefixed arguments into virtual paths.
func parseRunArgs(command []string) ([]any, error) {
	out := make([]any, len(command))
	for i, arg := range command {
		if !strings.HasPrefix(arg, inputPrefix) {
			out[i] = arg
			continue
		}
		p, err := vpath.Parse(strings.TrimPrefix(arg, inputPrefix))
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg, err)
		}
		out[i] = p
	}
	return out, nil
}

// execFunc runs its resolved arguments as a command writing to a file in work.
func execFunc(work, ext string, cmd *cobra.Command) memoize.Func {
	return func(ctx context.Context, args ...any) (any, error) {
		out := filepath.Join(work, "out"+ext)
		argv := make([]string, len(args))
		for i, arg := range args {
			s, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("argument %d resolved to %T", i, arg)
			}
			argv[i] = strings.ReplaceAll(s, outputPlaceholder, out)
		}

		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Stdout = cmd.ErrOrStderr()
		c.Stderr = cmd.ErrOrStderr()
		if err := c.Run(); err != nil {
			return nil, fmt.Errorf("%s: %w", argv[0], err)
		}
		if _, err := os.Stat(out); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%s did not write its output %s", argv[0], outputPlaceholder)
			}
			return nil, err
		}
		return out, nil
	}
}
