package main

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logger: JSON with ISO-8601 timestamps for
// production, or a colored console encoder for interactive use.
func newLogger(level, format string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, configError("log level: %w", err)
	}

	var encoder zapcore.Encoder
	switch format {
	case "", "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, configError("log format %q: %w", format, fmt.Errorf("want json or console"))
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

// logger builds the logger for a command. The TUI owns stderr while it
// runs, so log output is discarded then.
func (o *Options) logger(quiet bool) (*zap.Logger, error) {
	w := o.stderr
	if quiet {
		w = io.Discard
	}
	return newLogger(o.LogLevel, o.LogFormat, w)
}
