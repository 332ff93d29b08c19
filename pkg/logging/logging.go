// Package logging builds the zap logger used by the call cache components.
package logging

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-call-cache/cache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats supported by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the level, encoding and outputs of the logger.
type Config struct {
	Level       string   `json:"level" yaml:"level" koanf:"level"`
	Format      string   `json:"format" yaml:"format" koanf:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths" koanf:"output_paths"`
}

// DefaultConfig logs info and above as JSON to stderr.
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Format:      FormatJSON,
		OutputPaths: []string{"stderr"},
	}
}

// Validate checks level and format.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.By(func(value any) error {
			_, err := ParseLevel(value.(string))
			return err
		})),
		validation.Field(&c.Format, validation.In(FormatJSON, FormatConsole).Error("must be json or console")),
	)
	if err == nil {
		return nil
	}
	if errs, ok := err.(validation.Errors); ok {
		for _, field := range []string{"level", "format"} {
			if fieldErr, ok := errs[field]; ok {
				return &cache.ConfigError{Field: "logging." + field, Message: fieldErr.Error()}
			}
		}
	}
	return err
}

// ParseLevel maps debug, info, warn and error to zap levels. An empty level
// is info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown level %q", level)
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := ParseLevel(cfg.Level)

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == FormatConsole {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	encoding := cfg.Format
	if encoding == "" {
		encoding = FormatJSON
	}
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == FormatConsole,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}
