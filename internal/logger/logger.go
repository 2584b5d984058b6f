// Package logger builds the zap loggers shared by the server, the engine and the CLI.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names for structured logging. Use these instead of raw strings.
const (
	FieldRunID      = "run_id"
	FieldPlanID     = "plan_id"
	FieldOwnerID    = "owner_id"
	FieldStep       = "step"
	FieldStatus     = "status"
	FieldComponent  = "component"
	FieldError      = "error"
	FieldCount      = "count"
	FieldDurationMS = "duration_ms"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldRequestID  = "request_id"
	FieldAddress    = "address"
)

// New returns a sugared logger writing to stderr.
// level is one of debug, info, warn, error; json selects the production encoder.
func New(level string, json bool) (*zap.SugaredLogger, error) {
	lvl := zap.NewAtomicLevelAt(parseLevel(level))
	if json {
		cfg := zap.NewProductionConfig()
		cfg.Level = lvl
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		l, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(os.Stderr), lvl)
	return zap.New(core).Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Component tags a logger with the component field.
func Component(l *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if l == nil {
		l = Nop()
	}
	return l.With(FieldComponent, name)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
