// Package config loads spotter's runtime configuration from defaults, an
// optional file and SPOTTER_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine" validate:"required"`
	Log       LogConfig       `mapstructure:"log" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Reference ReferenceConfig `mapstructure:"reference"`
}

// EngineConfig tunes the frame loop and worker pool.
type EngineConfig struct {
	Workers       int           `mapstructure:"workers" validate:"gte=1,lte=256"`
	IdleSleep     time.Duration `mapstructure:"idle_sleep" validate:"gte=0"`
	MergeOverlap  float64       `mapstructure:"merge_overlap" validate:"gte=0,lte=1"`
	FrameInterval int           `mapstructure:"frame_interval" validate:"gte=1"`
	PredictBudget time.Duration `mapstructure:"predict_budget" validate:"gte=0"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// DatabaseConfig points at the optional Postgres result sink.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// ReferenceConfig locates the reference link file.
type ReferenceConfig struct {
	Path string `mapstructure:"path"`
}

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SPOTTER"

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.idle_sleep", 20*time.Millisecond)
	v.SetDefault("engine.merge_overlap", 0.5)
	v.SetDefault("engine.frame_interval", 1)
	v.SetDefault("engine.predict_budget", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.url", "")
	v.SetDefault("reference.path", "")
}

// Load builds a Config. path may be empty; environment variables take
// precedence over the file, which takes precedence over defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("validation failed: %s", strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}
