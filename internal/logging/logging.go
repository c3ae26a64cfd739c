// Package logging constructs the process-wide zap logger. Components take
// named children (logger.Named("sidecar")) rather than building their own.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Level   string // debug|info|warn|error; empty means info
	JSON    bool   // machine-readable output (CI / --json)
	LogsDir string // when the directory exists, logs also go to a file there
}

// New builds the root logger. Errors during file setup degrade to
// stderr-only logging rather than failing startup.
func New(opts Options) *zap.Logger {
	level := parseLevel(opts.Level)

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(devCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if opts.LogsDir != "" {
		if info, err := os.Stat(opts.LogsDir); err == nil && info.IsDir() {
			path := filepath.Join(opts.LogsDir, "crossbridge.log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				fileEnc := zapcore.NewJSONEncoder(encCfg)
				cores = append(cores, zapcore.NewCore(fileEnc, zapcore.Lock(f), level))
			}
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}

// Nop returns a disabled logger for tests and library callers.
func Nop() *zap.Logger { return zap.NewNop() }

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
