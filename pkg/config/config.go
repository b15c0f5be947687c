package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultDBPath             = "metrics.db"
	DefaultCollectionInterval = 2 * time.Second
	DefaultRetentionDays      = 7
	DefaultHistoryBudget      = 500
	DefaultLogStreamBuffer    = 1000
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 8000
	DefaultLogLevel           = "info"
	DefaultMaxMemoryMB        = 48
)

// Background task intervals
const (
	PruneInterval      = 1 * time.Hour
	CompactionInterval = 10 * time.Minute
	BadgerGCInterval   = 10 * time.Minute
	CompactionAge      = 1 * time.Hour
	CompactionWidth    = 1 * time.Minute
)

// HTTP timeouts. There is no server write timeout: /ws/logs streams stay open
// indefinitely, and the JSON handlers bound their work with QueryTimeout.
const (
	ReadHeaderTimeout = 10 * time.Second
	ShutdownTimeout   = 10 * time.Second
	QueryTimeout      = 10 * time.Second
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Environment keys
const (
	KeyDBPath             = "METRICS_DB_PATH"
	KeyCollectionInterval = "METRICS_COLLECTION_INTERVAL"
	KeyRetentionDays      = "METRICS_RETENTION_DAYS"
	KeyCompression        = "METRICS_COMPRESSION_ENABLED"
	KeyDatabaseDSN        = "METRICS_DATABASE_DSN"
	KeyHistoryBudget      = "METRICS_HISTORY_BUDGET"
	KeyMaxMemoryMB        = "METRICS_MAX_MEMORY_MB"
	KeyLogStreamBuffer    = "LOG_STREAM_BUFFER"
	KeyHost               = "WEB_HOST"
	KeyPort               = "WEB_PORT"
	KeyLogLevel           = "LOG_LEVEL"
	KeyLogJSON            = "LOG_JSON"
)

// Config is the resolved process configuration
type Config struct {
	DBPath             string
	CollectionInterval time.Duration
	RetentionDays      int
	Compression        bool
	DatabaseDSN        string
	HistoryBudget      int
	MaxMemoryMB        int64
	LogStreamBuffer    int
	Host               string
	Port               int
	LogLevel           string
	LogJSON            bool

	// Warnings lists values that were invalid and replaced by defaults
	Warnings []string
}

// Retention returns the retention window as a duration
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate rejects configurations the process cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.CollectionInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyCollectionInterval))
	}
	if c.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyRetentionDays))
	}
	if c.HistoryBudget <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyHistoryBudget))
	}
	if c.LogStreamBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyLogStreamBuffer))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s out of range: %d", KeyPort, c.Port))
	}
	if c.DBPath == "" && c.DatabaseDSN == "" {
		errs = append(errs, fmt.Errorf("one of %s or %s is required", KeyDBPath, KeyDatabaseDSN))
	}
	return errors.Join(errs...)
}

// LogWarnings reports every fallback recorded during Load
func (c *Config) LogWarnings(logger *zap.Logger) {
	for _, w := range c.Warnings {
		logger.Warn("invalid configuration value, using default", zap.String("detail", w))
	}
}

// Load reads configuration from the environment and an optional botpulse.yaml.
// Unparseable or out-of-range values fall back to their defaults and are
// recorded in Warnings.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetConfigName("botpulse")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/botpulse/")

	v.SetDefault(KeyDBPath, DefaultDBPath)
	v.SetDefault(KeyCollectionInterval, int(DefaultCollectionInterval/time.Second))
	v.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	v.SetDefault(KeyCompression, false)
	v.SetDefault(KeyDatabaseDSN, "")
	v.SetDefault(KeyHistoryBudget, DefaultHistoryBudget)
	v.SetDefault(KeyMaxMemoryMB, DefaultMaxMemoryMB)
	v.SetDefault(KeyLogStreamBuffer, DefaultLogStreamBuffer)
	v.SetDefault(KeyHost, DefaultHost)
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogJSON, false)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		DBPath:      v.GetString(KeyDBPath),
		DatabaseDSN: v.GetString(KeyDatabaseDSN),
		Host:        v.GetString(KeyHost),
		LogLevel:    strings.ToLower(v.GetString(KeyLogLevel)),
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	secs := cfg.positiveInt(v, KeyCollectionInterval, int(DefaultCollectionInterval/time.Second))
	cfg.CollectionInterval = time.Duration(secs) * time.Second
	cfg.RetentionDays = cfg.positiveInt(v, KeyRetentionDays, DefaultRetentionDays)
	cfg.HistoryBudget = cfg.positiveInt(v, KeyHistoryBudget, DefaultHistoryBudget)
	cfg.MaxMemoryMB = int64(cfg.positiveInt(v, KeyMaxMemoryMB, DefaultMaxMemoryMB))
	cfg.LogStreamBuffer = cfg.positiveInt(v, KeyLogStreamBuffer, DefaultLogStreamBuffer)
	cfg.Port = cfg.positiveInt(v, KeyPort, DefaultPort)
	if cfg.Port > 65535 {
		cfg.warnf("%s=%d out of range", KeyPort, cfg.Port)
		cfg.Port = DefaultPort
	}
	cfg.Compression = cfg.boolean(v, KeyCompression, false)
	cfg.LogJSON = cfg.boolean(v, KeyLogJSON, false)

	return cfg, nil
}

func (c *Config) positiveInt(v *viper.Viper, key string, def int) int {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.warnf("%s=%q is not a positive integer", key, raw)
		return def
	}
	return n
}

func (c *Config) boolean(v *viper.Viper, key string, def bool) bool {
	raw := strings.TrimSpace(v.GetString(key))
	b, err := strconv.ParseBool(raw)
	if err != nil {
		c.warnf("%s=%q is not a boolean", key, raw)
		return def
	}
	return b
}

func (c *Config) warnf(format string, args ...interface{}) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}
