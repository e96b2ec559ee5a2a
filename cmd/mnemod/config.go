package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mnemo-db/mnemo/distance"
	"github.com/mnemo-db/mnemo/snapshot"
	"github.com/mnemo-db/mnemo/wal"
)

// Config is the daemon configuration, assembled from defaults, the
// optional config file and MNEMO_* environment variables.
type Config struct {
	Listen      string        `mapstructure:"listen"`
	AdminListen string        `mapstructure:"admin_listen"`
	Store       StoreConfig   `mapstructure:"store"`
	Server      ServerConfig  `mapstructure:"server"`
	Archive     ArchiveConfig `mapstructure:"archive"`
	Log         LogConfig     `mapstructure:"log"`
}

// StoreConfig configures the graph store and its sharding.
type StoreConfig struct {
	Path              string        `mapstructure:"path"`
	Dimension         int           `mapstructure:"dimension"`
	Shards            int           `mapstructure:"shards"`
	Metric            string        `mapstructure:"metric"`
	Durability        string        `mapstructure:"durability"`
	CompressLog       bool          `mapstructure:"compress_log"`
	SnapshotCodec     string        `mapstructure:"snapshot_codec"`
	FlushThreshold    int           `mapstructure:"flush_threshold"`
	WakeInterval      time.Duration `mapstructure:"wake_interval"`
	MaxBackgroundJobs int64         `mapstructure:"max_background_jobs"`
	IOBytesPerSec     int64         `mapstructure:"io_bytes_per_sec"`
}

// ServerConfig tunes the wire protocol server.
type ServerConfig struct {
	SlowThreshold  time.Duration `mapstructure:"slow_threshold"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Embed          string        `mapstructure:"embed"`
}

// ArchiveConfig selects the snapshot archive backend. An empty backend
// disables archiving.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   ArchiveLocalConfig `mapstructure:"local"`
	S3      ArchiveS3Config    `mapstructure:"s3"`
	Minio   ArchiveMinioConfig `mapstructure:"minio"`
}

// ArchiveLocalConfig configures the local directory backend.
type ArchiveLocalConfig struct {
	Dir string `mapstructure:"dir"`
}

// ArchiveS3Config configures the S3 backend. Credentials come from the
// standard AWS environment or shared config.
type ArchiveS3Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Table  string `mapstructure:"table"`
	Region string `mapstructure:"region"`
}

// ArchiveMinioConfig configures the MinIO backend.
type ArchiveMinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// LogConfig selects log verbosity and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// loadConfig reads the config file at path (optional), layers MNEMO_*
// environment variables over it and validates the result. Nested keys
// map to environment variables with dots replaced by underscores, so
// store.dimension becomes MNEMO_STORE_DIMENSION.
func loadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", "127.0.0.1:6636")
	v.SetDefault("admin_listen", "127.0.0.1:6637")
	v.SetDefault("store.path", "./mnemo-data")
	v.SetDefault("store.dimension", 0)
	v.SetDefault("store.shards", 1)
	v.SetDefault("store.metric", "l2")
	v.SetDefault("store.durability", "group_commit")
	v.SetDefault("store.compress_log", false)
	v.SetDefault("store.snapshot_codec", "zstd")
	v.SetDefault("store.flush_threshold", 1024)
	v.SetDefault("store.wake_interval", "250ms")
	v.SetDefault("store.max_background_jobs", 0)
	v.SetDefault("store.io_bytes_per_sec", 0)
	v.SetDefault("server.slow_threshold", "500ms")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.embed", "")
	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.local.dir", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.table", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.minio.endpoint", "")
	v.SetDefault("archive.minio.bucket", "")
	v.SetDefault("archive.minio.prefix", "")
	v.SetDefault("archive.minio.access_key", "")
	v.SetDefault("archive.minio.secret_key", "")
	v.SetDefault("archive.minio.use_ssl", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration and reports every problem found,
// not just the first.
func (c *Config) Validate() error {
	var errs []error

	if err := validateListen(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	if err := validateListen(c.AdminListen); err != nil {
		errs = append(errs, fmt.Errorf("admin_listen: %w", err))
	}

	if c.Store.Dimension <= 0 {
		errs = append(errs, errors.New("store.dimension must be set to the embedding vector width"))
	}
	if c.Store.Shards < 1 {
		errs = append(errs, errors.New("store.shards must be at least 1"))
	}
	if _, err := distance.ParseMetric(c.Store.Metric); err != nil {
		errs = append(errs, fmt.Errorf("store.metric: %w", err))
	}
	if _, err := wal.ParseDurability(c.Store.Durability); err != nil {
		errs = append(errs, fmt.Errorf("store.durability: %w", err))
	}
	if _, err := snapshot.ParseCodec(c.Store.SnapshotCodec); err != nil {
		errs = append(errs, fmt.Errorf("store.snapshot_codec: %w", err))
	}

	switch c.Server.Embed {
	case "", "fixed":
	default:
		errs = append(errs, fmt.Errorf("server.embed: unknown source %q", c.Server.Embed))
	}

	errs = append(errs, c.Archive.validate(c.Store.Shards)...)

	if _, err := parseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// validate reports archive misconfiguration. Snapshot uploads hook the
// engine flush cycle, which a sharded cluster runs per shard against
// one shared LATEST pointer, so archiving is limited to single-shard
// stores.
func (a *ArchiveConfig) validate(shards int) []error {
	if a.Backend == "" {
		return nil
	}

	var errs []error

	switch a.Backend {
	case "local":
		if a.Local.Dir == "" {
			errs = append(errs, errors.New("archive.local.dir is required"))
		}
	case "s3":
		if a.S3.Bucket == "" {
			errs = append(errs, errors.New("archive.s3.bucket is required"))
		}
		if a.S3.Table == "" {
			errs = append(errs, errors.New("archive.s3.table is required"))
		}
	case "minio":
		if a.Minio.Endpoint == "" {
			errs = append(errs, errors.New("archive.minio.endpoint is required"))
		}
		if a.Minio.Bucket == "" {
			errs = append(errs, errors.New("archive.minio.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend: unknown backend %q", a.Backend))
	}

	if shards > 1 {
		errs = append(errs, errors.New("archive.backend requires store.shards = 1"))
	}

	return errs
}

func validateListen(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level: unknown level %q", s)
	}
}
