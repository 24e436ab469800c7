package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/kiosk/internal/logging"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/kiosk/internal/portunus/types"
)

// EventKind classifies a coordinator notification.
type EventKind string

const (
	EventGranted     EventKind = "granted"
	EventRejected    EventKind = "rejected"
	EventWelcomeBack EventKind = "welcome_back"
	EventLiveness    EventKind = "liveness"
	EventCleared     EventKind = "cleared"
	EventPaused      EventKind = "paused"
	EventResumed     EventKind = "resumed"
	EventError       EventKind = "error"
)

// Event is one human-readable status update. Every grant, reject and
// error produces exactly one.
type Event struct {
	Kind         EventKind         `json:"kind"`
	At           time.Time         `json:"at"`
	Message      string            `json:"message"`
	IdentityID   int64             `json:"identity_id,omitempty"`
	IdentityName string            `json:"identity_name,omitempty"`
	Distance     float64           `json:"distance,omitempty"`
	Method       types.Method      `json:"method,omitempty"`
	EventID      int64             `json:"event_id,omitempty"`
	Faces        []types.FaceMatch `json:"-"`
}

// Observer receives coordinator events. Notify is called from a goroutine
// dedicated to that observer and may block; a slow observer only loses its
// own events.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Broadcaster fans events out to observers without ever blocking the
// publisher.
type Broadcaster struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	buffer  int

	mu     sync.Mutex
	subs   []chan Event
	closed bool
	wg     sync.WaitGroup
}

func NewBroadcaster(buffer int, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	return &Broadcaster{
		logger:  logging.NewComponentLogger(logger, "events"),
		metrics: m,
		buffer:  buffer,
	}
}

// Subscribe starts a delivery goroutine for o.
func (b *Broadcaster) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	ch := make(chan Event, b.buffer)
	b.subs = append(b.subs, ch)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range ch {
			o.Notify(e)
		}
	}()
}

// Publish queues e for every observer, dropping it for observers whose
// buffer is full.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.metrics.ObserverDropped()
			b.logger.Debug("observer buffer full; event dropped", logging.String("kind", string(e.Kind)))
		}
	}
}

// Close stops accepting events and waits for queued ones to drain.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
}
