package anchored

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates the structured logger used across the sync core.
// Output goes to stderr, or to a size-rotated file when cfg.LogFile is set.
// The returned closer releases the file and is safe to call on stderr.
func NewLogger(cfg Config) (*log.Logger, io.Closer, error) {
	level := log.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, nil, &ValidationError{Field: "LogLevel", Message: err.Error()}
		}
		level = parsed
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w, closer = rotating, rotating
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "anchored",
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if cfg.LogFile != "" {
		logger.SetFormatter(log.LogfmtFormatter)
	}
	return logger, closer, nil
}

// discardLogger returns a logger that writes nothing.
func discardLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
