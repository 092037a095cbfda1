package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ralphdev/ralph/internal/common/logger"
	"github.com/ralphdev/ralph/internal/events/bus"
	"github.com/ralphdev/ralph/internal/events/timeline"
)

// Sink is implemented by anything that records timeline events.
// Components emit through a Sink and never talk to the bus directly.
type Sink interface {
	Emit(ctx context.Context, kind string, payload map[string]any) error
}

// Archive receives a copy of every emitted record, keyed by session.
type Archive interface {
	Insert(ctx context.Context, sessionID string, rec timeline.Record) error
}

// Emitter writes each event to the JSONL timeline (durably, before
// returning), mirrors it into the archive, and publishes it on the bus.
// Subscribers therefore never observe an event the timeline has not
// recorded.
type Emitter struct {
	bus       bus.EventBus
	writer    *timeline.Writer
	archive   Archive // optional
	sessionID string
	source    string
	logger    *logger.Logger
	mu        sync.Mutex
}

// NewEmitter creates an emitter bound to one session.
func NewEmitter(b bus.EventBus, w *timeline.Writer, archive Archive, sessionID, source string, log *logger.Logger) *Emitter {
	return &Emitter{
		bus:       b,
		writer:    w,
		archive:   archive,
		sessionID: sessionID,
		source:    source,
		logger:    log.WithSessionID(sessionID),
	}
}

// Emit records one event. The kind must belong to the closed event set.
func (e *Emitter) Emit(ctx context.Context, kind string, payload map[string]any) error {
	if !Known(kind) {
		return fmt.Errorf("unknown event kind %q", kind)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	rec := timeline.Record{TS: time.Now().UTC(), Event: kind, Payload: payload}

	// One lock across write+publish keeps the timeline order identical
	// to every subscriber's delivery order.
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.writer.Append(rec); err != nil {
		return fmt.Errorf("timeline append failed: %w", err)
	}

	if e.archive != nil {
		if err := e.archive.Insert(ctx, e.sessionID, rec); err != nil {
			// The JSONL timeline is the source of truth; a lagging
			// archive degrades queries, not correctness.
			e.logger.Warn("archive insert failed", zap.String("kind", kind), zap.Error(err))
		}
	}

	event := bus.NewEvent(kind, e.source, payload)
	if err := e.bus.Publish(ctx, kind, event); err != nil {
		e.logger.Warn("bus publish failed", zap.String("kind", kind), zap.Error(err))
	}
	return nil
}
