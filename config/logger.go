package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap logger from viper settings.
// Reads "logging.level" (debug, info, warn, error; default "info")
// and "logging.format" (json, console; default "json").
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	level := v.GetString("logging.level")
	format := v.GetString("logging.format")

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// Settings returns a viper instance for process settings. Precedence,
// lowest first: built-in defaults, the logging section and port of cfg,
// NODEWATCH_* environment variables such as NODEWATCH_LOGGING_LEVEL, then
// any flags the caller binds.
func Settings(cfg *Config) *viper.Viper {
	level, format, port := "info", "json", defaultPort
	if cfg != nil {
		if cfg.Logging.Level != "" {
			level = cfg.Logging.Level
		}
		if cfg.Logging.Format != "" {
			format = cfg.Logging.Format
		}
		if cfg.Port != 0 {
			port = cfg.Port
		}
	}

	v := viper.New()
	v.SetDefault("logging.level", level)
	v.SetDefault("logging.format", format)
	v.SetDefault("port", port)

	v.SetEnvPrefix("NODEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
