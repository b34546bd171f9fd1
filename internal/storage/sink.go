package storage

import (
	"context"
	"log/slog"
	"sync"

	"dex_go/internal/event"
)

// PersistentSink writes every published event to the event store. The
// engine publishes under its writer lock, so Publish must not block on
// anything slower than a local WAL insert.
type PersistentSink struct {
	store *EventStore
	log   *slog.Logger

	mu      sync.Mutex
	lastErr error
}

// NewPersistentSink wraps an event store as an event sink.
func NewPersistentSink(store *EventStore, log *slog.Logger) *PersistentSink {
	if log == nil {
		log = slog.Default()
	}
	return &PersistentSink{store: store, log: log}
}

// Publish persists the event. Failures are sticky: Err reports the
// first one so the operator can halt and recover instead of silently
// dropping log segments.
func (p *PersistentSink) Publish(ev event.Event) {
	if err := p.store.SaveEvent(context.Background(), ev); err != nil {
		p.log.Error("event persist failed",
			slog.Uint64("seq", ev.GetSeq()),
			slog.Any("err", err))
		p.mu.Lock()
		if p.lastErr == nil {
			p.lastErr = err
		}
		p.mu.Unlock()
	}
}

// Err returns the first persist failure, nil while the log is healthy.
func (p *PersistentSink) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}
