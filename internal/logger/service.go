package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ServiceWriters returns the stdout and stderr sinks for one managed service.
// A non-empty path is opened append-only (created if missing); an empty path
// falls back to a LineWriter on base tagged with the service and stream.
// Files are never rotated here.
func ServiceWriters(name, stdoutPath, stderrPath string, base *slog.Logger) (io.WriteCloser, io.WriteCloser, error) {
	out, err := streamWriter(name, "stdout", stdoutPath, base)
	if err != nil {
		return nil, nil, err
	}
	errW, err := streamWriter(name, "stderr", stderrPath, base)
	if err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	return out, errW, nil
}

func streamWriter(name, stream, path string, base *slog.Logger) (io.WriteCloser, error) {
	if path == "" {
		return NewLineWriter(base, name, stream), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create %s log dir for %s: %w", stream, name, err)
	}
	// #nosec G304 -- path comes from the unit's own configuration
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open %s log for %s: %w", stream, name, err)
	}
	return f, nil
}

// MaxLineBytes caps a buffered partial line; longer lines are emitted in
// chunks of this size.
const MaxLineBytes = 64 << 10

// LineWriter turns a child's byte stream into one log record per line so
// output from different services never interleaves mid-line.
type LineWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  slog.Level
	buf    []byte
}

// NewLineWriter creates a LineWriter. stderr lines are logged at warn.
func NewLineWriter(base *slog.Logger, service, stream string) *LineWriter {
	if base == nil {
		base = slog.Default()
	}
	lvl := slog.LevelInfo
	if stream == "stderr" {
		lvl = slog.LevelWarn
	}
	return &LineWriter{logger: base.With("service", service, "stream", stream), level: lvl}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= MaxLineBytes {
		w.emit(w.buf[:MaxLineBytes])
		w.buf = w.buf[MaxLineBytes:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Close flushes a trailing partial line.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, string(line))
}
