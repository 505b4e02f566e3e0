// Package logger builds the service's zap loggers and carries request-scoped
// loggers through gin and context.Context.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config selects level, encoding and sink. Output is "stdout", "stderr" or a
// file path.
type Config struct {
	Level      string
	Format     string // json or console
	Output     string
	TimeFormat string
}

// DefaultConfig logs info and above as colored console lines to stdout
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: "console", Output: "stdout", TimeFormat: defaultTimeFormat}
}

// New builds a logger that records callers and attaches stack traces to errors.
func New(cfg *Config) (*zap.Logger, error) {
	output := cfg.Output
	if output == "" {
		output = "stdout"
	}
	sink, _, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", output, err)
	}

	core := zapcore.NewCore(newEncoder(cfg), sink, parseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// parseLevel accepts debug, info, warn/warning and error in any case.
// Anything else is info.
func parseLevel(level string) zapcore.Level {
	l := strings.ToLower(level)
	if l == "warning" {
		l = "warn"
	}
	switch parsed, err := zapcore.ParseLevel(l); {
	case err != nil, parsed > zapcore.ErrorLevel:
		return zapcore.InfoLevel
	default:
		return parsed
	}
}

func newEncoder(cfg *Config) zapcore.Encoder {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}

	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timeFormat)
	ec.EncodeDuration = zapcore.MillisDurationEncoder

	if strings.EqualFold(cfg.Format, "console") {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}
