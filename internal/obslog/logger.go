// Package obslog is the level-gated structured logging sink every engine
// and adapter receives explicitly at construction. It wraps zap rather than
// exposing it directly, so call sites depend on a small keyed-value
// interface instead of the zap API, and so a package-level singleton is
// never needed (per the design note: pass the logger explicitly).
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the sink interface engines depend on.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
	Sync() error
}

type zapLogger struct {
	*zap.SugaredLogger
}

func (l *zapLogger) Debugw(msg string, kv ...interface{}) { l.SugaredLogger.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...interface{})  { l.SugaredLogger.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...interface{})  { l.SugaredLogger.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...interface{}) { l.SugaredLogger.Errorw(msg, kv...) }
func (l *zapLogger) Sync() error                          { return l.SugaredLogger.Sync() }

// Options configures the constructed Logger.
type Options struct {
	Level    string // debug, info, warn, error
	JSON     bool
	Console  bool
	FilePath string
}

// New builds a Logger from Options, choosing between zap's production and
// development presets and layering on the configurable
// level/encoding/output-paths Options exposes.
func New(opts Options) (Logger, error) {
	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	switch opts.Level {
	case "debug":
		cfg.Level.SetLevel(zapcore.DebugLevel)
	case "warn":
		cfg.Level.SetLevel(zapcore.WarnLevel)
	case "error":
		cfg.Level.SetLevel(zapcore.ErrorLevel)
	default:
		cfg.Level.SetLevel(zapcore.InfoLevel)
	}

	var outputs []string
	if opts.Console || opts.FilePath == "" {
		outputs = append(outputs, "stdout")
	}
	if opts.FilePath != "" {
		if err := os.MkdirAll(dirOf(opts.FilePath), 0o755); err != nil {
			return nil, err
		}
		outputs = append(outputs, opts.FilePath)
	}
	cfg.OutputPaths = outputs
	cfg.ErrorOutputPaths = []string{"stderr"}

	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{zl.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests that do not
// want to assert on log output.
func NewNop() Logger {
	return &zapLogger{zap.NewNop().Sugar()}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
