package utils

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig configures NewLogger.
type LoggingConfig struct {
	Level  string // DEBUG, INFO, WARN or ERROR
	Format string // console or json

	// File, when set, receives a copy of every entry through a LogRotator.
	File      string
	MaxSizeMB int
	MaxFiles  int

	// Output is the console sink. It defaults to stderr.
	Output zapcore.WriteSyncer
}

// Logger is a zap logger whose level can change at runtime.
type Logger struct {
	*zap.Logger

	level   zap.AtomicLevel
	rotator *LogRotator
}

// ParseLevel maps a configured level name to a zap level. WARNING is
// accepted for WARN.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO", "":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds the process logger.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	var encoderConfig zapcore.EncoderConfig
	switch strings.ToLower(cfg.Format) {
	case "json":
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console", "":
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	newEncoder := func() zapcore.Encoder {
		if strings.ToLower(cfg.Format) == "json" {
			return zapcore.NewJSONEncoder(encoderConfig)
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	output := cfg.Output
	if output == nil {
		output = zapcore.Lock(os.Stderr)
	}
	cores := []zapcore.Core{zapcore.NewCore(newEncoder(), output, level)}

	l := &Logger{level: level}
	if cfg.File != "" {
		l.rotator, err = NewLogRotator(RotationConfig{
			Filename:  cfg.File,
			MaxSizeMB: cfg.MaxSizeMB,
			MaxFiles:  cfg.MaxFiles,
			Daily:     true,
		})
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(newEncoder(), l.rotator, level))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return l, nil
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	l.Info("log level changed", zap.Stringer("level", lvl))
	return nil
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses sizes such as "512", "64K", "256MB" or "1.5G". Units
// are powers of 1024.
func ParseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty string")
	}

	s = strings.TrimSuffix(s, "B")
	multiplier := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K':
			multiplier = 1 << 10
		case 'M':
			multiplier = 1 << 20
		case 'G':
			multiplier = 1 << 30
		case 'T':
			multiplier = 1 << 40
		}
		if multiplier > 1 {
			s = strings.TrimSpace(s[:n-1])
		}
	}

	num, err := strconv.ParseFloat(s, 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	return int64(num * float64(multiplier)), nil
}
