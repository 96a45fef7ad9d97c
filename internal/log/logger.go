package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
)

// LogLevel defines the severity level for log messages.
type LogLevel int

// Log level constants.
const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// Options selects the logger output and verbosity.
type Options struct {
	Debug bool
	File  string
}

// AppLogger is the application logger implementation.
type AppLogger struct {
	logger     *log.Logger
	debug      bool
	fileHandle *os.File
	mu         sync.RWMutex
}

// NewAppLoggerWithConfig creates a logger instance with configuration.
func NewAppLoggerWithConfig(output io.Writer, debugMode bool) *AppLogger {
	return &AppLogger{
		logger: log.New(output, "", log.LstdFlags),
		debug:  debugMode,
	}
}

// Debug logs a message at DEBUG level.
func (l *AppLogger) Debug(format string, args ...any) {
	if l != nil && l.debug {
		l.logger.Printf("[DEBUG] "+format, args...)
	}
}

// Info logs a message at INFO level.
func (l *AppLogger) Info(format string, args ...any) {
	if l != nil {
		l.logger.Printf("[INFO] "+format, args...)
	}
}

// Warn logs a message at WARN level.
func (l *AppLogger) Warn(format string, args ...any) {
	if l != nil {
		l.logger.Printf("[WARN] "+format, args...)
	}
}

// Error logs a message at ERROR level.
func (l *AppLogger) Error(format string, args ...any) {
	if l != nil {
		l.logger.Printf("[ERROR] "+format, args...)
	}
}

// Fatal logs a message at FATAL level and terminates the process.
func (l *AppLogger) Fatal(format string, args ...any) {
	if l != nil {
		l.logger.Fatalf("[FATAL] "+format, args...)
	} else {
		fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
		os.Exit(1)
	}
}

// IsDebug reports whether debug output is enabled.
func (l *AppLogger) IsDebug() bool {
	return l != nil && l.debug
}

// Close safely closes log file handle.
func (l *AppLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileHandle != nil {
		err := l.fileHandle.Close()
		l.fileHandle = nil
		return err
	}
	return nil
}

func containsPathTraversal(path string) bool {
	for _, pattern := range []string{"../", "..\\", "/.."} {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return path == ".."
}

// openLogFile opens the LOG_FILE target, falling back to stdout on failure.
func openLogFile(path string) (io.Writer, *os.File) {
	if path == "" {
		return os.Stdout, nil
	}

	if len(path) > core.MaxDebugFilePathLength {
		fmt.Fprintf(os.Stderr, "[WARN] LOG_FILE path too long, falling back to stdout\n")
		return os.Stdout, nil
	}

	if containsPathTraversal(path) {
		fmt.Fprintf(os.Stderr, "[WARN] LOG_FILE contains path traversal characters, falling back to stdout\n")
		return os.Stdout, nil
	}

	//nolint:gosec // G304: path from config, validated by containsPathTraversal
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, core.FilePermissionReadWrite)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to open LOG_FILE '%s': %v, falling back to stdout\n", path, err)
		return os.Stdout, nil
	}

	return file, file
}

// DebugFromEnv reports whether GIN_MODE or LOG_LEVEL asks for debug output.
func DebugFromEnv() bool {
	return os.Getenv("GIN_MODE") == "debug" || strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug")
}

// CreateLogger creates a logger instance (for dependency injection).
func CreateLogger(opts Options) *AppLogger {
	output, fileHandle := openLogFile(opts.File)

	return &AppLogger{
		logger:     log.New(output, "", log.LstdFlags),
		debug:      opts.Debug,
		fileHandle: fileHandle,
	}
}
