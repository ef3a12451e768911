package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFanoutDeliversInOrder(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	f := NewFanout(quiet(), a, b)

	f.Publish(Event{Type: EventStart})
	f.Publish(Event{Type: EventExit})
	f.Publish(Event{Type: EventRestart})
	f.Publish(Event{Type: EventStop})
	require.NoError(t, f.Close())

	want := []EventType{EventStart, EventExit, EventRestart, EventStop}
	assert.Equal(t, want, a.types())
	assert.Equal(t, want, b.types())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestFanoutSinkErrorDoesNotStopDelivery(t *testing.T) {
	bad := &memSink{err: errors.New("db down")}
	good := &memSink{}
	f := NewFanout(quiet(), bad, good)
	f.Publish(Event{Type: EventStart})
	f.Publish(Event{Type: EventStop})
	require.NoError(t, f.Close())
	assert.Len(t, good.types(), 2)
	assert.Len(t, bad.types(), 2)
}

func TestFanoutNilAndClosed(t *testing.T) {
	var f *Fanout
	f.Publish(Event{Type: EventStart})
	assert.NoError(t, f.Close())

	s := &memSink{}
	g := NewFanout(quiet(), s)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	g.Publish(Event{Type: EventStart})
	assert.Empty(t, s.types())
}

func TestFanoutConcurrentPublish(t *testing.T) {
	s := &memSink{}
	f := NewFanout(quiet(), s)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				f.Publish(Event{Type: EventRestart})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, f.Close())
	assert.Len(t, s.types(), 80)
}
