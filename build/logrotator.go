package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// RotatingLogWriter writes every log line to stdout and, once InitLogRotator
// has been called, to a size-rotated log file.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator

	backend *btclog.Backend
}

// NewRotatingLogWriter creates a new writer and the btclog backend fed by it.
//
// NOTE: InitLogRotator must be called to enable the file output.
func NewRotatingLogWriter() *RotatingLogWriter {
	w := &RotatingLogWriter{}
	w.backend = btclog.NewBackend(w)

	return w
}

// InitLogRotator initializes the log file rotator to write logs to logFile and
// create roll files in the same directory. maxSizeKB is the roll threshold and
// maxFiles the number of rolled files kept.
func (r *RotatingLogWriter) InitLogRotator(logFile string, maxSizeKB int64,
	maxFiles int) error {

	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	var err error
	r.rotator, err = rotator.New(logFile, maxSizeKB, false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		if err := r.rotator.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()
	r.pipe = pw

	return nil
}

// Write writes b to stdout and to the rotator if it is running.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	_, _ = os.Stdout.Write(b)

	if r.pipe != nil {
		return r.pipe.Write(b)
	}

	return len(b), nil
}

// GenSubLogger creates a logger for the given subsystem on the shared backend.
// It matches the genSubLogger argument of NewSubLogger.
func (r *RotatingLogWriter) GenSubLogger(subsystem string) btclog.Logger {
	return r.backend.Logger(subsystem)
}

// Close closes the underlying log rotator if it has been created.
func (r *RotatingLogWriter) Close() error {
	if r.rotator == nil {
		return nil
	}

	if r.pipe != nil {
		_ = r.pipe.Close()
	}

	return r.rotator.Close()
}
