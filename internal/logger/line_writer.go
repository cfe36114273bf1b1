package logger

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// maxPendingLine bounds the partial line kept between writes; longer lines are
// emitted in chunks.
const maxPendingLine = 4096

// LineWriter is an io.Writer that emits one log record per line written to it.
// It is used to surface child process output in the supervisor log.
type LineWriter struct {
	log   *slog.Logger
	level slog.Level
	msg   string

	mu      sync.Mutex
	pending []byte
}

// NewLineWriter returns a LineWriter logging each line under msg with attribute "line".
func NewLineWriter(l *slog.Logger, level slog.Level, msg string) *LineWriter {
	return &LineWriter{log: OrDefault(l), level: level, msg: msg}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > maxPendingLine {
		w.emit(w.pending)
		w.pending = w.pending[:0]
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = w.pending[:0]
	}
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.log.Log(context.Background(), w.level, w.msg, "line", string(line))
}
