package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// config holds the replay settings. Values are resolved from defaults,
	// then the YAML file, then the environment, then the command line.
	config struct {
		// Source is a file path, an http(s) URL, "-" for stdin or
		// "turn:<id>" for a turn of the record log.
		Source string `yaml:"source"`
		// Token is sent as a bearer token when Source is a URL.
		Token string `yaml:"token"`
		// Format selects the report encoding: "json" or "yaml".
		Format string `yaml:"format"`
		// ChunkSize is the size of the reads issued against the source.
		ChunkSize int `yaml:"chunk_size"`
		// Timeout cancels the replay after the given duration.
		Timeout time.Duration `yaml:"timeout"`
		Debug   bool          `yaml:"debug"`

		Redis redisConfig `yaml:"redis"`
		Mongo mongoConfig `yaml:"mongo"`
	}

	redisConfig struct {
		// Addr enables snapshot publication when set.
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		StreamMaxLen int           `yaml:"stream_max_len"`
		Interval     time.Duration `yaml:"interval"`
	}

	mongoConfig struct {
		// URI enables the Mongo session store and record log when set.
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}
)

const usage = `Usage: console-replay [flags] <source>

Replays a captured agent event stream and prints the assembled
conversation. <source> is a file, an http(s) URL, - for stdin or
turn:<id> to replay a turn recorded in MongoDB.

Environment variables:

	CONSOLE_CONFIG          - YAML configuration file
	CONSOLE_SOURCE          - stream source
	CONSOLE_TOKEN           - bearer token for URL sources
	CONSOLE_FORMAT          - report format, json or yaml (default: "json")
	CONSOLE_CHUNK_SIZE      - read size in bytes (default: 4096)
	CONSOLE_TIMEOUT         - replay timeout, e.g. "30s" (default: none)
	CONSOLE_DEBUG           - enable debug logs
	REDIS_URL               - Redis address; enables Pulse publication
	REDIS_PASSWORD          - Redis password
	PULSE_STREAM_MAX_LEN    - entries kept per stream (default: 1000)
	PULSE_INTERVAL          - min delay between snapshots (default: "100ms")
	MONGO_URI               - Mongo URI; enables the Mongo session store
	                          and the record log
	MONGO_DATABASE          - Mongo database (default: "console")

Flags:
`

func defaultConfig() config {
	return config{
		Format:    "json",
		ChunkSize: 4096,
		Redis: redisConfig{
			StreamMaxLen: 1000,
			Interval:     100 * time.Millisecond,
		},
		Mongo: mongoConfig{Database: "console"},
	}
}

// loadConfig parses args and resolves the configuration.
func loadConfig(args []string, stderr io.Writer) (config, error) {
	fs := flag.NewFlagSet("console-replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	var (
		configF  = fs.String("config", os.Getenv("CONSOLE_CONFIG"), "YAML configuration file")
		tokenF   = fs.String("token", "", "Bearer token for URL sources")
		formatF  = fs.String("format", "", "Report format (json or yaml)")
		chunkF   = fs.Int("chunk-size", 0, "Read size in bytes")
		timeoutF = fs.Duration("timeout", 0, "Replay timeout")
		debugF   = fs.Bool("debug", false, "Enable debug logs")
		redisF   = fs.String("redis", "", "Redis address used to publish snapshots")
		mongoF   = fs.String("mongo", "", "Mongo URI used to record sessions")
	)
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg := defaultConfig()
	if *configF != "" {
		raw, err := os.ReadFile(*configF)
		if err != nil {
			return config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return config{}, fmt.Errorf("decode config %s: %w", *configF, err)
		}
	}

	cfg.Source = envOr("CONSOLE_SOURCE", cfg.Source)
	cfg.Token = envOr("CONSOLE_TOKEN", cfg.Token)
	cfg.Format = envOr("CONSOLE_FORMAT", cfg.Format)
	cfg.ChunkSize = envIntOr("CONSOLE_CHUNK_SIZE", cfg.ChunkSize)
	cfg.Timeout = envDurationOr("CONSOLE_TIMEOUT", cfg.Timeout)
	cfg.Debug = envBoolOr("CONSOLE_DEBUG", cfg.Debug)
	cfg.Redis.Addr = envOr("REDIS_URL", cfg.Redis.Addr)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.StreamMaxLen = envIntOr("PULSE_STREAM_MAX_LEN", cfg.Redis.StreamMaxLen)
	cfg.Redis.Interval = envDurationOr("PULSE_INTERVAL", cfg.Redis.Interval)
	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Mongo.Database = envOr("MONGO_DATABASE", cfg.Mongo.Database)

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "token":
			cfg.Token = *tokenF
		case "format":
			cfg.Format = *formatF
		case "chunk-size":
			cfg.ChunkSize = *chunkF
		case "timeout":
			cfg.Timeout = *timeoutF
		case "debug":
			cfg.Debug = *debugF
		case "redis":
			cfg.Redis.Addr = *redisF
		case "mongo":
			cfg.Mongo.URI = *mongoF
		}
	})
	if fs.NArg() > 1 {
		return config{}, errors.New("at most one source may be given")
	}
	if fs.NArg() == 1 {
		cfg.Source = fs.Arg(0)
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.Source == "" {
		return errors.New("a source is required")
	}
	if c.Format != "json" && c.Format != "yaml" {
		return fmt.Errorf("unsupported format %q (valid formats: json, yaml)", c.Format)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if strings.HasPrefix(c.Source, turnSourcePrefix) && c.Mongo.URI == "" {
		return fmt.Errorf("source %q requires a mongo URI", c.Source)
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return errors.New("a mongo database is required with a mongo URI")
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
