package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Sink is where a rendered report goes: a named file or standard output.
type Sink interface {
	Write(text string) error
	// DeleteExistingFile removes a stale report left by a previous run.
	DeleteExistingFile() error
}

// FileSink writes a report to a named file, creating parent
// directories as needed.
type FileSink struct {
	Path string
}

// NewFileSink creates a sink for the given path.
func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

// Write writes the report text, replacing any existing file.
func (s *FileSink) Write(text string) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(s.Path, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// DeleteExistingFile removes the file if present.
func (s *FileSink) DeleteExistingFile() error {
	err := os.Remove(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriterSink writes a report to an io.Writer, typically stdout.
type WriterSink struct {
	Out io.Writer
}

// NewStdoutSink creates a sink over standard output.
func NewStdoutSink() *WriterSink {
	return &WriterSink{Out: os.Stdout}
}

// Write writes the report text.
func (s *WriterSink) Write(text string) error {
	_, err := io.WriteString(s.Out, text)
	return err
}

// DeleteExistingFile is a no-op for writer sinks.
func (s *WriterSink) DeleteExistingFile() error {
	return nil
}
