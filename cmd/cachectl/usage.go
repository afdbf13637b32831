package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentuity/go-cache/cache"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/cobra"
)

// diskPath returns the directory holding an engine's data, if it lives on disk.
func diskPath(location string) (string, bool) {
	fi, err := os.Stat(location)
	if err != nil {
		return "", false
	}
	if !fi.IsDir() {
		return filepath.Dir(location), true
	}
	return location, true
}

func newUsageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Print how many entries the engine stores and the space they use",
		Args:  cobra.NoArgs,
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, _ []string) error {
			reporter, ok := c.(cache.UsageReporter)
			if !ok {
				return errors.New("engine does not report usage")
			}
			u, err := reporter.Usage(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "location: %s\n", u.Location)
			fmt.Fprintf(out, "entries:  %d\n", u.Entries)
			fmt.Fprintf(out, "payload:  %s\n", humanize.IBytes(uint64(u.Bytes)))
			if dir, ok := diskPath(u.Location); ok {
				if stat, err := disk.UsageWithContext(ctx, dir); err == nil {
					fmt.Fprintf(out, "disk:     %s free of %s (%.1f%% used)\n", humanize.IBytes(stat.Free), humanize.IBytes(stat.Total), stat.UsedPercent)
				}
			}
			return nil
		}),
	}
}
