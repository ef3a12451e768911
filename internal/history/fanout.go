package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Fanout delivers events to every sink from a single background goroutine.
// Publish never blocks; when the queue is full the event is dropped.
// Sink errors are logged at debug level only.
type Fanout struct {
	sinks  []Sink
	log    *slog.Logger
	queue  chan Event
	done   chan struct{}
	once   sync.Once
	closed chan struct{}
	mu     sync.RWMutex
}

// NewFanout starts a dispatcher for sinks. A nil logger uses slog.Default.
func NewFanout(log *slog.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{
		sinks:  append([]Sink(nil), sinks...),
		log:    log,
		queue:  make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go f.loop()
	return f
}

// Publish enqueues e. It is safe to call on a nil Fanout or after Close.
func (f *Fanout) Publish(e Event) {
	if f == nil || len(f.sinks) == 0 {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	select {
	case <-f.closed:
		return
	default:
	}
	select {
	case f.queue <- e:
	default:
		f.log.Debug("history queue full, event dropped", "type", e.Type, "service", e.Record.Name)
	}
}

func (f *Fanout) loop() {
	defer close(f.done)
	for e := range f.queue {
		for _, s := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
			if err := s.Send(ctx, e); err != nil {
				f.log.Debug("history sink send failed", "type", e.Type, "service", e.Record.Name, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events, then closes sinks that implement io.Closer.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		f.mu.Lock()
		close(f.closed)
		close(f.queue)
		f.mu.Unlock()
		<-f.done
		for _, s := range f.sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
	})
	return nil
}
