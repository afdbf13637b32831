package cache

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Engine names accepted by Open.
const (
	EngineFile   = "file"
	EngineSQLite = "sqlite"
	EngineNull   = "null"
	EngineMemory = "memory"
	EngineRedis  = "redis"
)

// Seconds is a duration read from YAML either as a number of seconds or as a
// duration string such as "90m" or "1d".
type Seconds time.Duration

func (s *Seconds) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: expected seconds or a duration", node.Line)
	}
	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*s = Seconds(time.Duration(n) * time.Second)
		return nil
	}
	d, err := str2duration.ParseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid duration %q", node.Line, node.Value)
	}
	*s = Seconds(d)
	return nil
}

// Config describes an engine and its options, as read from a YAML file.
// Unset fields keep the engine defaults.
type Config struct {
	Engine                  string  `yaml:"engine"`
	Lifetime                Seconds `yaml:"lifetime"`
	AutomaticCleaningFactor *int    `yaml:"automatic_cleaning_factor"`
	QueryTimeout            Seconds `yaml:"query_timeout"`

	// file engine
	CacheDir             string `yaml:"cache_dir"`
	FileLocking          *bool  `yaml:"file_locking"`
	HashedDirectoryLevel int    `yaml:"hashed_directory_level"`
	FilenameProtection   bool   `yaml:"filename_protection"`
	Suffix               string `yaml:"suffix"`
	WriteControl         bool   `yaml:"write_control"`
	ReadControl          bool   `yaml:"read_control"`

	// sqlite engine
	Database string `yaml:"database"`

	// redis engine
	RedisURL string `yaml:"redis_url"`
	Prefix   string `yaml:"prefix"`
}

// LoadConfig reads a Config from the YAML file at path.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, configurationError(err, "cache: failed to read config %s", path)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, configurationError(err, "cache: failed to parse config %s", path)
	}
	return cfg, nil
}

// Options converts the configured values to Options.
func (c Config) Options() []Option {
	var opts []Option
	if c.Lifetime > 0 {
		opts = append(opts, WithLifetime(time.Duration(c.Lifetime)))
	}
	if c.AutomaticCleaningFactor != nil {
		opts = append(opts, WithCleaningFactor(*c.AutomaticCleaningFactor))
	}
	if c.QueryTimeout > 0 {
		opts = append(opts, WithQueryTimeout(time.Duration(c.QueryTimeout)))
	}
	if c.FileLocking != nil {
		opts = append(opts, WithFileLocking(*c.FileLocking))
	}
	if c.HashedDirectoryLevel != 0 {
		opts = append(opts, WithHashedDirectoryLevel(c.HashedDirectoryLevel))
	}
	if c.FilenameProtection {
		opts = append(opts, WithFilenameProtection(true))
	}
	if c.Suffix != "" {
		opts = append(opts, WithSuffix(c.Suffix))
	}
	if c.WriteControl {
		opts = append(opts, WithWriteControl(true))
	}
	if c.ReadControl {
		opts = append(opts, WithReadControl(true))
	}
	if c.Prefix != "" {
		opts = append(opts, WithPrefix(c.Prefix))
	}
	return opts
}

// ownedClient closes the Redis client Open created along with the engine.
type ownedClient struct {
	Cache
	client *redis.Client
}

func (c *ownedClient) Close() error {
	return errors.CombineErrors(c.Cache.Close(), c.client.Close())
}

// Open constructs the engine named by cfg.Engine. opts are applied after the
// options derived from cfg and override them. Invalid configurations return
// an error marked with ErrConfiguration.
func Open(ctx context.Context, cfg Config, opts ...Option) (Cache, error) {
	opts = append(cfg.Options(), opts...)
	switch cfg.Engine {
	case EngineFile:
		if cfg.CacheDir == "" {
			return nil, configurationError(errors.New("cache_dir is required"), "cache: file engine")
		}
		return NewFile(cfg.CacheDir, opts...)
	case EngineSQLite:
		return NewSQLite(ctx, cfg.Database, opts...)
	case EngineNull:
		return NewNull(), nil
	case EngineMemory:
		return NewInMemory(opts...), nil
	case EngineRedis:
		if cfg.RedisURL == "" {
			return nil, configurationError(errors.New("redis_url is required"), "cache: redis engine")
		}
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, configurationError(err, "cache: invalid redis_url")
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, configurationError(err, "cache: failed to connect to redis")
		}
		return &ownedClient{Cache: NewRedis(client, opts...), client: client}, nil
	case "":
		return nil, configurationError(errors.New("engine is required"), "cache: invalid config")
	default:
		return nil, configurationError(errors.Newf("unknown engine %q", cfg.Engine), "cache: invalid config")
	}
}
