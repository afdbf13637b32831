package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/agentuity/go-cache/cache"
	"github.com/agentuity/go-cache/metrics"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	count   int
	workers int
	size    int
}

// runBench writes then reads count keys under ns using up to workers
// goroutines and returns the per-operation latency statistics.
func runBench(ctx context.Context, c cache.Cache, ns cache.Namespace, opts benchOptions) ([]metrics.Stats, error) {
	if opts.count <= 0 || opts.workers <= 0 || opts.size < 0 {
		return nil, errors.New("n and workers must be positive and size must not be negative")
	}
	tracker := metrics.NewLatencyTracker(0.01)
	ic := cache.NewInstrumented(c, tracker)

	payload := make([]byte, opts.size)
	if _, err := rand.Read(payload); err != nil {
		return nil, errors.Wrap(err, "failed to generate payload")
	}
	key := func(i int) cache.Key {
		return cache.Key{Namespace: ns.Child("bench"), ID: "key:" + strconv.Itoa(i)}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i := 0; i < opts.count; i++ {
		g.Go(func() error {
			return ic.Set(gctx, key(i), payload, time.Hour)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "write phase failed")
	}

	var misses int
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	hits := make([]bool, opts.count)
	for i := 0; i < opts.count; i++ {
		g.Go(func() error {
			_, hits[i] = ic.Get(gctx, key(i))
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "read phase failed")
	}
	for _, hit := range hits {
		if !hit {
			misses++
		}
	}
	if err := ic.Clean(ctx, ns.Child("bench"), cache.ModeAll); err != nil {
		return nil, errors.Wrap(err, "failed to remove benchmark keys")
	}
	if misses > 0 {
		return tracker.GetAllStats(), errors.Newf("%d of %d keys missed after being written", misses, opts.count)
	}
	return tracker.GetAllStats(), nil
}

func newBenchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure write and read latency of the configured engine",
		Args:  cobra.NoArgs,
		RunE: withCache(func(ctx context.Context, cmd *cobra.Command, c cache.Cache, _ []string) error {
			var opts benchOptions
			opts.count, _ = cmd.Flags().GetInt("n")
			opts.workers, _ = cmd.Flags().GetInt("workers")
			opts.size, _ = cmd.Flags().GetInt("size")
			started := time.Now()
			stats, err := runBench(ctx, c, namespace(cmd), opts)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d keys, %d workers, %d byte payloads in %s\n", opts.count, opts.workers, opts.size, time.Since(started).Round(time.Millisecond))
			for _, s := range stats {
				fmt.Fprintln(out, s.String())
			}
			return err
		}),
	}
	cmd.Flags().Int("n", 1000, "number of keys")
	cmd.Flags().Int("workers", 8, "number of concurrent workers")
	cmd.Flags().Int("size", 256, "payload size in bytes")
	return cmd
}
