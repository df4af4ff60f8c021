// Package audit records security events without ever blocking or failing
// the operation that produced them.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/pairvault/internal/streaming"
	"github.com/rendis/pairvault/pkg/schema"
)

const defaultBuffer = 256

// Sink accepts security events. Record must not block and never fails.
type Sink interface {
	Record(ctx context.Context, kind string, details map[string]any)
}

// EventWriter persists security events. Satisfied by store.Store.
type EventWriter interface {
	AppendSecurityEvent(ctx context.Context, ev *schema.SecurityEvent) error
}

// Recorder is an asynchronous Sink backed by an EventWriter and a hub for
// live subscribers. Events are dropped when the buffer is full.
type Recorder struct {
	writer EventWriter
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time

	queue   chan schema.SecurityEvent
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewRecorder starts a recorder. hub may be nil.
func NewRecorder(w EventWriter, hub streaming.EventHub, logger *slog.Logger) *Recorder {
	r := &Recorder{
		writer: w,
		hub:    hub,
		logger: logger,
		now:    time.Now,
		queue:  make(chan schema.SecurityEvent, defaultBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues a security event and logs it.
func (r *Recorder) Record(ctx context.Context, kind string, details map[string]any) {
	ev := schema.SecurityEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: r.now().UTC(),
		Details:   details,
	}

	attrs := []any{slog.String("event", kind)}
	for k, v := range details {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	switch kind {
	case schema.EventAuthFailed, schema.EventAccountLocked, schema.EventSystemReset:
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "security event", attrs...)

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events that could not be queued.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.closeMu.Lock()
	if r.closed {
		r.closeMu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.closeMu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()
	for ev := range r.queue {
		if err := r.writer.AppendSecurityEvent(ctx, &ev); err != nil {
			r.logger.Error("failed to persist security event",
				slog.String("event", ev.Kind),
				slog.String("error", err.Error()),
			)
		}
		if r.hub != nil {
			_ = r.hub.Publish(ctx, ev)
		}
	}
}

// Nop is a Sink that discards events.
type Nop struct{}

func (Nop) Record(context.Context, string, map[string]any) {}
