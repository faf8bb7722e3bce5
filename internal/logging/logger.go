// Package logging wraps zap into the structured sink every registry and
// the engine log through: a package-level logger keyed off the request's
// correlation/user/room ids, so a single signaling session's log lines
// can be grepped back together across the identity, matchmaking, and
// room packages without each one carrying its own logger.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

// Context keys read by withRequestFields. middleware.CorrelationID puts
// CorrelationIDKey on each request's context; no package in this service
// sets UserIDKey or RoomIDKey, so those fields appear only when a caller
// adds them to the context it logs with.
const (
	CorrelationIDKey contextKey = "correlation_id"
	UserIDKey        contextKey = "user_id"
	RoomIDKey        contextKey = "room_id"
)

// serviceName is stamped onto every log line so this process's logs are
// distinguishable once aggregated alongside other services.
const serviceName = "signaling"

// Initialize builds the global logger once. development selects a
// human-readable, colorized console encoder; otherwise JSON with an
// ISO8601 timestamp for log aggregation. level parses as a zap level
// name (e.g. "debug", "info", "warn"); an empty level means info, and an
// unrecognized one keeps the preset's own default (debug in development,
// info otherwise) rather than failing startup over a cosmetic
// setting. Subsequent calls are no-ops — the logger is a process-wide
// singleton.
func Initialize(development bool, level string) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		if lvl, parseErr := zapcore.ParseLevel(level); parseErr == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}

		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the process logger, building a bare development
// logger on the fly if Initialize hasn't run yet (e.g. a package-level
// var init or an early test).
func GetLogger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Info logs msg at InfoLevel with the request's correlation/user/room
// fields attached.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, withRequestFields(ctx, fields)...)
}

// Warn logs msg at WarnLevel with the request's correlation/user/room
// fields attached.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, withRequestFields(ctx, fields)...)
}

// Error logs msg at ErrorLevel with the request's correlation/user/room
// fields attached.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, withRequestFields(ctx, fields)...)
}

// Fatal logs msg at FatalLevel and then terminates the process — reserved
// for startup failures the server cannot run without (see cmd/v1/signaling).
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, withRequestFields(ctx, fields)...)
}

// withRequestFields pulls whatever of correlation/user/room id is present
// on ctx and appends it to fields, along with the static service name.
func withRequestFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx != nil {
		if cid, ok := ctx.Value(CorrelationIDKey).(string); ok && cid != "" {
			fields = append(fields, zap.String("correlation_id", cid))
		}
		if uid, ok := ctx.Value(UserIDKey).(string); ok && uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		if rid, ok := ctx.Value(RoomIDKey).(string); ok && rid != "" {
			fields = append(fields, zap.String("room_id", rid))
		}
	}

	return append(fields, zap.String("service", serviceName))
}
