// Package logger provides the global diagnostic log and the
// human-readable progress stream.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

var (
	globalLogger *log.Logger
	logFile      *os.File
	progressOut  io.Writer = os.Stderr
	verbose      bool
	mu           sync.Mutex
)

// Init initializes the global logger with the specified log file path.
func Init(logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	// Close previous log file if exists
	if logFile != nil {
		logFile.Close()
	}

	// Create log file
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	logFile = f
	globalLogger = log.New(f, "", log.Ltime|log.Lmicroseconds)

	return nil
}

// Close closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// SetVerbose enables echoing of log lines to the progress stream.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

// SetProgressWriter redirects the progress stream (default stderr).
func SetProgressWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	progressOut = w
}

// Progress writes a human-readable progress line describing a step,
// its timing, and its outcome. Always visible to the user, independent
// of the diagnostic log.
func Progress(format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	fmt.Fprintf(progressOut, format+"\n", v...)
	if globalLogger != nil {
		globalLogger.Printf("[PROGRESS] "+format, v...)
	}
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	logLine("[INFO] ", format, v...)
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	logLine("[DEBUG] ", format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	logLine("[WARN] ", format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	logLine("[ERROR] ", format, v...)
}

func logLine(prefix, format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger != nil {
		globalLogger.Printf(prefix+format, v...)
	}
	if verbose {
		fmt.Fprintf(progressOut, prefix+format+"\n", v...)
	}
}

// GetWriter returns the underlying writer for use by collaborators.
func GetWriter() io.Writer {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		return logFile
	}
	return io.Discard
}
