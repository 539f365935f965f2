// Package logger provides the process-wide structured logger for the
// gateway, backed by zap and controlled by the GRIMOIRE_DEBUG and
// GRIMOIRE_TRACE environment variables.
package logger

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(New())
}

// New builds a logger from the current environment. GRIMOIRE_DEBUG enables
// debug-level logging; GRIMOIRE_TRACE additionally attaches stack traces
// to warnings and above. Caller annotation is always on.
func New() *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if envBool("GRIMOIRE_DEBUG") {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	opts := []zap.Option{}
	if envBool("GRIMOIRE_TRACE") {
		opts = append(opts, zap.AddStacktrace(zapcore.WarnLevel))
	}

	l, err := cfg.Build(opts...)
	if err != nil {
		// Fall back to a bare logger rather than failing startup over logging.
		l = zap.NewNop()
	}
	return l.Sugar()
}

func envBool(name string) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// Get returns the current singleton logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

// Initialize (re)builds the singleton logger from the environment. Safe to
// call more than once; later calls replace the singleton.
func Initialize() {
	singleton.Store(New())
}

// Debug logs at debug level.
func Debug(args ...any) { Get().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { Get().Debugf(format, args...) }

// Info logs at info level.
func Info(args ...any) { Get().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { Get().Infof(format, args...) }

// Warn logs at warn level.
func Warn(args ...any) { Get().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { Get().Warnf(format, args...) }

// Error logs at error level.
func Error(args ...any) { Get().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { Get().Errorf(format, args...) }

// Fatal logs at fatal level then exits the process.
func Fatal(args ...any) { Get().Fatal(args...) }

// Redact replaces the value for keys that look like secret material
// (case-insensitively ending in _TOKEN, _SECRET, _PASSWORD, or _KEY) with a
// fixed placeholder, so spawn environments and auth config can be logged
// for debugging without leaking credentials.
func Redact(env map[string]string) map[string]string {
	redacted := make(map[string]string, len(env))
	for k, v := range env {
		if looksSecret(k) {
			redacted[k] = "[redacted]"
			continue
		}
		redacted[k] = v
	}
	return redacted
}

func looksSecret(key string) bool {
	upper := strings.ToUpper(key)
	for _, suffix := range []string{"_TOKEN", "_SECRET", "_PASSWORD", "_KEY"} {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}
