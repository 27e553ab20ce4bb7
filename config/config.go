// Package config loads engine settings from defaults, an optional config
// file and CONVQ_ prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/UniQw/convq"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all service configuration.
type Config struct {
	MaxConcurrentConversions int           `mapstructure:"max_concurrent_conversions" validate:"gte=1,lte=256"`
	MaxPendingBacklog        int           `mapstructure:"max_pending_backlog" validate:"gte=1"`
	ResultRetention          time.Duration `mapstructure:"result_retention_duration" validate:"gte=1m"`
	TempOrphanGracePeriod    time.Duration `mapstructure:"temp_orphan_grace_period" validate:"gte=1s"`
	SweepInterval            time.Duration `mapstructure:"sweep_interval" validate:"gte=1s"`
	ConversionTimeout        time.Duration `mapstructure:"conversion_timeout" validate:"gte=0"`
	MaxInputSize             int64         `mapstructure:"max_input_size" validate:"gte=1"`
	DataDir                  string        `mapstructure:"data_dir" validate:"required"`

	Store StoreConfig `mapstructure:"store"`
	Redis RedisConfig `mapstructure:"redis"`
	Log   LogConfig   `mapstructure:"log"`
}

// StoreConfig selects the task record backend.
type StoreConfig struct {
	Driver     string `mapstructure:"driver" validate:"required,oneof=redis sqlite memory"`
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	Namespace  string `mapstructure:"namespace"`
}

// RedisConfig contains the Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0,lte=15"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrent_conversions", convq.DefaultMaxConcurrentConversions)
	v.SetDefault("max_pending_backlog", convq.DefaultMaxPendingBacklog)
	v.SetDefault("result_retention_duration", convq.DefaultResultRetention)
	v.SetDefault("temp_orphan_grace_period", convq.DefaultTempOrphanGracePeriod)
	v.SetDefault("sweep_interval", convq.DefaultSweepInterval)
	v.SetDefault("conversion_timeout", convq.DefaultConversionTimeout)
	v.SetDefault("max_input_size", convq.DefaultMaxInputSize)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.namespace", convq.DefaultNamespace)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply. Environment variables take precedence over the
// file, e.g. CONVQ_REDIS_ADDR overrides redis.addr.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix("CONVQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Engine maps the settings onto an engine configuration. Clock, logger and
// page counter are left for the caller to supply.
func (c *Config) Engine() convq.Config {
	return convq.Config{
		MaxConcurrentConversions: c.MaxConcurrentConversions,
		MaxPendingBacklog:        c.MaxPendingBacklog,
		ResultRetention:          c.ResultRetention,
		TempOrphanGracePeriod:    c.TempOrphanGracePeriod,
		SweepInterval:            c.SweepInterval,
		ConversionTimeout:        c.ConversionTimeout,
	}
}

// NewLogger builds a production zap logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
