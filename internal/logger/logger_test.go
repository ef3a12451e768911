package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestServiceWriters_ExplicitPathsAppend(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "logs", "backend.stdout.log")
	ep := filepath.Join(dir, "logs", "backend.stderr.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(sp), 0o750))
	require.NoError(t, os.WriteFile(sp, []byte("previous\n"), 0o640))

	outW, errW, err := ServiceWriters("backend", sp, ep, nil)
	require.NoError(t, err)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	b, err := os.ReadFile(sp)
	require.NoError(t, err)
	assert.Equal(t, "previous\nhello-out\n", string(b))
	b, err = os.ReadFile(ep)
	require.NoError(t, err)
	assert.Equal(t, "hello-err\n", string(b))
}

func TestServiceWriters_DistinctPerService(t *testing.T) {
	dir := t.TempDir()
	a, _, err := ServiceWriters("a", filepath.Join(dir, "a.log"), filepath.Join(dir, "a.err"), nil)
	require.NoError(t, err)
	b, _, err := ServiceWriters("b", filepath.Join(dir, "b.log"), filepath.Join(dir, "b.err"), nil)
	require.NoError(t, err)
	_, _ = a.Write([]byte("from-a\n"))
	_, _ = b.Write([]byte("from-b\n"))
	closeIf(a)
	closeIf(b)

	ab, _ := os.ReadFile(filepath.Join(dir, "a.log"))
	bb, _ := os.ReadFile(filepath.Join(dir, "b.log"))
	assert.Equal(t, "from-a\n", string(ab))
	assert.Equal(t, "from-b\n", string(bb))
}

func TestLineWriter_SplitsLinesAndFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := NewLineWriter(base, "web", "stdout")

	_, _ = w.Write([]byte("first line\nsec"))
	_, _ = w.Write([]byte("ond line\npartial"))
	assert.Equal(t, 2, strings.Count(buf.String(), "service=web"))

	require.NoError(t, w.Close())
	out := buf.String()
	assert.Contains(t, out, `msg="first line"`)
	assert.Contains(t, out, `msg="second line"`)
	assert.Contains(t, out, "msg=partial")
	assert.Contains(t, out, "stream=stdout")
}

func TestLineWriter_CapsUnterminatedLine(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	w := NewLineWriter(base, "web", "stdout")

	chunk := bytes.Repeat([]byte("x"), 1000)
	for i := 0; i < 3*MaxLineBytes/len(chunk)+1; i++ {
		_, _ = w.Write(chunk)
		require.Less(t, len(w.buf), MaxLineBytes)
	}
	records := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Contains(t, r, `"msg":"`+strings.Repeat("x", MaxLineBytes)+`"`)
	}

	require.NoError(t, w.Close())
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 4)
}

func TestLineWriter_StderrIsWarn(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	w := NewLineWriter(base, "api", "stderr")
	_, _ = w.Write([]byte("boom\n"))
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestNew_ProcessNameInlineAndFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sup", "tandem.log")
	var buf bytes.Buffer
	l, closer, err := New(Config{Level: "warn", File: file}, &buf, "tandem")
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("secret missing", "key", "LLM_BINDING_API_KEY")
	require.NoError(t, closer.Close())

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "process=tandem")
	b, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(b), "secret missing")
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Format: FormatJSON}, &buf, "tandem")
	require.NoError(t, err)
	l.Info("hello")
	assert.Contains(t, buf.String(), `"process":"tandem"`)
}

func TestColorTextHandler_KeepsColorWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("k", "v")
	l.Error("bad")
	out := buf.String()
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "k=v")
	assert.NotContains(t, out, "time=")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
