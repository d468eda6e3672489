// Package obslog provides the debug-gated structured logger shared by every
// agent subsystem, replacing ad hoc fmt.Println diagnostics with zap fields.
package obslog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	logger  *zap.Logger
	debugOn bool
)

func init() {
	logger, _ = zap.NewProduction()
}

// Configure installs the package logger and toggles debug-level emission.
// Called by agent.New with the resolved Config.Debug.
func Configure(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	debugOn = debug
	if debug {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug emits only when Config.Debug is enabled, mirroring the source's
// "print to stderr in debug mode" discipline without the print-statement.
func Debug(msg string, fields ...zap.Field) {
	mu.RLock()
	on := debugOn
	mu.RUnlock()
	if !on {
		return
	}
	current().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	current().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	current().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	current().Error(msg, fields...)
}

func String(key, val string) zap.Field   { return zap.String(key, val) }
func Int(key string, val int) zap.Field  { return zap.Int(key, val) }
func Err(err error) zap.Field            { return zap.Error(err) }
func Any(key string, val any) zap.Field  { return zap.Any(key, val) }
