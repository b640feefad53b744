package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tphakala/audiomixer/internal/conf"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu                  sync.RWMutex
	structuredLogger    *slog.Logger
	humanReadableLogger *slog.Logger

	// levelVar is shared by every handler so SetLevel applies without rebuilding them
	levelVar slog.LevelVar
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Add trace and fatal level names.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// replaceLevelName renders the custom TRACE and FATAL levels by name.
func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}
		levelLabel, exists := levelNames[level]
		if !exists {
			levelLabel = level.String()
		}
		a.Value = slog.StringValue(levelLabel)
	}
	return a
}

func handlerOptions() *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       &levelVar,
		ReplaceAttr: replaceLevelName,
	}
}

// Init initializes the logging system with structured and human-readable loggers.
// Structured logs are JSON on stdout, human-readable logs are text on stderr.
func Init() {
	SetOutput(os.Stdout, os.Stderr)
}

// SetLevel sets the minimum logging level for both structured and human-readable loggers.
func SetLevel(level slog.Level) {
	levelVar.Set(level)
}

// Level returns the current minimum logging level.
func Level() slog.Level {
	return levelVar.Level()
}

// ParseLevel converts a configuration string into a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return LevelFatal, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetOutput redirects both loggers, preserving the current level.
func SetOutput(structuredOutput, humanReadableOutput io.Writer) {
	setLoggers(
		slog.New(slog.NewJSONHandler(structuredOutput, handlerOptions())),
		slog.New(slog.NewTextHandler(humanReadableOutput, handlerOptions())),
	)
}

func setLoggers(structured, humanReadable *slog.Logger) {
	mu.Lock()
	structuredLogger = structured
	humanReadableLogger = humanReadable
	mu.Unlock()

	slog.SetDefault(structured)
}

// Configure applies log settings: level and optional rotating file output.
// With a file, structured logs go to it and human-readable logs stay on
// stderr. The returned function closes the log file, if one was opened.
func Configure(settings *conf.LogSettings) (func() error, error) {
	level, err := ParseLevel(settings.Level)
	if err != nil {
		return nil, err
	}
	SetLevel(level)

	if !settings.File.Enabled {
		Init()
		return func() error { return nil }, nil
	}

	fileLogger, closeFile, err := NewFileLogger(settings.File, "", &levelVar)
	if err != nil {
		return nil, err
	}
	setLoggers(fileLogger, slog.New(slog.NewTextHandler(os.Stderr, handlerOptions())))
	return closeFile, nil
}

// Structured returns the globally configured structured (JSON) logger.
// Returns nil if Init() has not been called.
func Structured() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return structuredLogger
}

// HumanReadable returns the globally configured human-readable (Text) logger.
// Returns nil if Init() has not been called.
func HumanReadable() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return humanReadableLogger
}

// ForService creates a new logger instance with the 'service' attribute added.
// Returns nil if Init() has not been called.
func ForService(serviceName string) *slog.Logger {
	logger := Structured()
	if logger == nil {
		return nil
	}
	return logger.With("service", serviceName)
}

// newRotatingWriter builds a lumberjack writer, creating the log directory first
// because lumberjack does not.
func newRotatingWriter(settings conf.LogFileSettings) (*lumberjack.Logger, error) {
	if settings.Path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}

	logDir := filepath.Dir(settings.Path)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	maxSizeMB := 100
	maxBackups := 3
	maxAge := 28 // days

	if settings.MaxSize > 0 {
		maxSizeMB = settings.MaxSize
	}
	if settings.MaxBackups > 0 {
		maxBackups = settings.MaxBackups
	}
	if settings.MaxAge > 0 {
		maxAge = settings.MaxAge
	}

	return &lumberjack.Logger{
		Filename:   settings.Path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   settings.Compress,
	}, nil
}

// NewFileLogger creates a new slog.Logger instance writing JSON logs to a
// rotating file. A non-empty serviceName is added as a 'service' attribute
// to all logs. It returns the logger and a function to close the underlying
// log writer.
func NewFileLogger(settings conf.LogFileSettings, serviceName string, level slog.Leveler) (*slog.Logger, func() error, error) {
	logWriter, err := newRotatingWriter(settings)
	if err != nil {
		return nil, nil, err
	}

	fileHandler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	})

	logger := slog.New(fileHandler)
	if serviceName != "" {
		logger = logger.With("service", serviceName)
	}

	return logger, logWriter.Close, nil
}
