package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger settings
type Config struct {
	Level   string
	Dir     string // log file directory; empty disables the file sink
	Console bool
	Output  io.Writer // console sink, defaults to stderr
}

// Logger bundles the zap logger with the log file it writes to
type Logger struct {
	*zap.Logger
	file     *os.File
	filePath string
}

// ParseLevel maps a level name to a zap level, defaulting to info
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

// New creates a logger writing human-readable lines to the console and JSON
// lines to a timestamped file under cfg.Dir.
func New(cfg Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	var cores []zapcore.Core

	if cfg.Console {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(out), level))
	}

	l := &Logger{}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create logs directory: %w", err)
		}

		filename := fmt.Sprintf("k8s-netremedy-%s.log", time.Now().Format("20060102-150405"))
		fullPath := filepath.Join(cfg.Dir, filename)
		f, err := os.Create(fullPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		l.file = f
		l.filePath = fullPath

		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "timestamp"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
	}

	if len(cores) == 0 {
		l.Logger = zap.NewNop()
		return l, nil
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	l.Info("Logging system initialized", zap.String("log_file", l.filePath))
	return l, nil
}

// FilePath returns the path of the log file, empty when no file sink is used
func (l *Logger) FilePath() string {
	return l.filePath
}

// Close flushes buffered entries and closes the log file
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Component returns a child logger tagged with a component name
func Component(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.With(zap.String("component", name))
}
