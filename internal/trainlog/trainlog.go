// Package trainlog appends completed exchanges to a JSONL file for later
// fine-tuning or evaluation.
package trainlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Entry is one logged exchange.
type Entry struct {
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	UserMsg   string    `json:"user_msg"`
	Assistant string    `json:"assistant_msg"`
	Time      time.Time `json:"time"`
}

// Logger appends entries to a file, one JSON object per line. A nil Logger
// is valid and records nothing, so callers never branch on configuration.
type Logger struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// New creates a logger writing to path. Empty path returns nil.
func New(path string, logger *slog.Logger) *Logger {
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{path: path, logger: logger}
}

// Record appends one entry. Failures are logged and swallowed; training
// data capture must never affect a live turn.
func (l *Logger) Record(entry Entry) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.append(entry); err != nil {
		l.logger.Warn("training log write failed", "path", l.path, "error", err)
	}
}

func (l *Logger) append(entry Entry) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open training log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}
