package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/agentuity/go-cache/cache"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
)

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print the payload stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, args []string) error {
			var opts []cache.ReadOption
			if expired, _ := cmd.Flags().GetBool("expired"); expired {
				opts = append(opts, cache.AllowExpired())
			}
			payload, found := c.Get(ctx, keyArg(cmd, args[0]), opts...)
			if !found {
				return errMiss
			}
			_, err := cmd.OutOrStdout().Write(payload)
			return err
		}),
	}
	cmd.Flags().Bool("expired", false, "return the payload even when it has expired")
	return cmd
}

func newHasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "has <id>",
		Short: "Exit with status 0 when a key is present",
		Args:  cobra.ExactArgs(1),
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, args []string) error {
			if !c.Has(ctx, keyArg(cmd, args[0])) {
				return errMiss
			}
			return nil
		}),
	}
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <id> [value|-]",
		Short: "Store a payload, read from stdin when the value is - or missing",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, args []string) error {
			var lifetime time.Duration
			if v, _ := cmd.Flags().GetString("lifetime"); v != "" {
				d, err := str2duration.ParseDuration(v)
				if err != nil {
					return errors.Wrapf(err, "invalid lifetime %q", v)
				}
				lifetime = d
			}
			var payload []byte
			if len(args) == 2 && args[1] != "-" {
				payload = []byte(args[1])
			} else {
				buf, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "failed to read stdin")
				}
				payload = buf
			}
			return c.Set(ctx, keyArg(cmd, args[0]), payload, lifetime)
		}),
	}
	cmd.Flags().String("lifetime", "", "lifetime of the entry such as 90s, 2h or 1d (default: engine lifetime)")
	return cmd
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Remove keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, args []string) error {
			for _, id := range args {
				if err := c.Remove(ctx, keyArg(cmd, id)); err != nil {
					return err
				}
			}
			return nil
		}),
	}
}

func newRemovePatternCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm-pattern <pattern>",
		Short: "Remove the keys of --namespace whose id matches a pattern",
		Long:  "Remove the keys of --namespace whose id matches a pattern. '*' matches any run of characters except ':' and '**' matches anything.",
		Args:  cobra.ExactArgs(1),
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, args []string) error {
			return c.RemovePattern(ctx, namespace(cmd), args[0])
		}),
	}
}

func newCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete the entries of --namespace and its descendants",
		Args:  cobra.NoArgs,
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, _ []string) error {
			mode := cache.ModeAll
			if old, _ := cmd.Flags().GetBool("old"); old {
				mode = cache.ModeOld
			}
			return c.Clean(ctx, namespace(cmd), mode)
		}),
	}
	cmd.Flags().Bool("old", false, "only delete expired entries")
	return cmd
}

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Print the expiry and modification time of a key",
		Args:  cobra.ExactArgs(1),
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, args []string) error {
			key := keyArg(cmd, args[0])
			timeout := c.GetTimeout(ctx, key)
			if timeout.IsZero() {
				return errMiss
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "key:           %s\n", key)
			fmt.Fprintf(out, "last modified: %s\n", c.GetLastModified(ctx, key).Format(time.RFC3339))
			fmt.Fprintf(out, "expires:       %s (in %s)\n", timeout.Format(time.RFC3339), time.Until(timeout).Round(time.Second))
			return nil
		}),
	}
}
