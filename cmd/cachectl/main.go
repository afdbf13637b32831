package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agentuity/go-cache/cache"
	"github.com/agentuity/go-cache/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// errMiss makes the process exit with status 1 without printing anything.
var errMiss = errors.New("cache miss")

func flagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

func newLogger(cmd *cobra.Command) logger.Logger {
	level := logger.ParseLevel(flagOrEnv(cmd, "log-level", "AGENTUITY_LOG_LEVEL", "warn"), logger.LevelWarn)
	return logger.NewConsoleLogger(level)
}

// loadConfig reads --config when given and lets the other persistent flags
// override it.
func loadConfig(cmd *cobra.Command) (cache.Config, error) {
	var cfg cache.Config
	if path := flagOrEnv(cmd, "config", "CACHECTL_CONFIG", ""); path != "" {
		var err error
		if cfg, err = cache.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if v, _ := flags.GetString("engine"); v != "" {
		cfg.Engine = v
	}
	if v, _ := flags.GetString("dir"); v != "" {
		cfg.CacheDir = v
	}
	if v, _ := flags.GetString("db"); v != "" {
		cfg.Database = v
	}
	if v := flagOrEnv(cmd, "redis-url", "REDIS_URL", ""); v != "" {
		cfg.RedisURL = v
	}
	if v, _ := flags.GetString("prefix"); v != "" {
		cfg.Prefix = v
	}
	if cfg.Engine == "" {
		cfg.Engine = cache.EngineFile
	}
	if cfg.Engine == cache.EngineFile && cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "cachectl")
	}
	return cfg, nil
}

func openCache(ctx context.Context, cmd *cobra.Command) (cache.Cache, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := newLogger(cmd).WithPrefix("[cachectl]")
	c, err := cache.Open(ctx, cfg, cache.WithLogger(log))
	if err != nil {
		return nil, err
	}
	log.Debug("opened %s engine", cfg.Engine)
	return c, nil
}

func namespace(cmd *cobra.Command) cache.Namespace {
	ns, _ := cmd.Flags().GetString("namespace")
	return cache.Namespace(ns)
}

func keyArg(cmd *cobra.Command, id string) cache.Key {
	return cache.Key{Namespace: namespace(cmd), ID: id}
}

// withCache opens the configured engine, runs fn and closes the engine.
func withCache(fn func(ctx context.Context, cmd *cobra.Command, c cache.Cache, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openCache(ctx, cmd)
		if err != nil {
			return err
		}
		return errors.CombineErrors(fn(ctx, cmd, c, args), c.Close())
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and manage a cache store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "YAML file describing the engine and its options")
	pf.String("engine", "", "engine to use: file, sqlite, null, memory or redis")
	pf.String("dir", "", "cache directory of the file engine")
	pf.String("db", "", "database file of the sqlite engine")
	pf.String("redis-url", "", "URL of the redis server")
	pf.String("prefix", "", "key prefix of the redis engine")
	pf.String("namespace", "", "namespace of the keys, segments separated by '/'")
	pf.String("log-level", "", "log level: trace, debug, info, warn or error")

	root.AddCommand(
		newGetCommand(),
		newHasCommand(),
		newSetCommand(),
		newRemoveCommand(),
		newRemovePatternCommand(),
		newCleanCommand(),
		newInfoCommand(),
		newUsageCommand(),
		newBenchCommand(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newRootCommand().ExecuteContext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, errMiss):
		cancel()
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(2)
	}
}
