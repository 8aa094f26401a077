package events

import (
	"context"

	"github.com/nodepass-labs/yieldpass/internal/app/domain/event"
	"github.com/nodepass-labs/yieldpass/internal/app/storage"
	"github.com/nodepass-labs/yieldpass/pkg/logger"
)

// Recorder persists engine events and fans them out on the bus. Persistence
// failures are logged, never propagated: state transitions must not be
// rolled back because the event log hiccuped.
type Recorder struct {
	store storage.EventStore
	bus   *Bus
	log   *logger.Logger
}

// NewRecorder builds a recorder. Bus may be nil when fan-out is not needed.
func NewRecorder(store storage.EventStore, bus *Bus, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Recorder{store: store, bus: bus, log: log}
}

// Record persists and publishes one engine event.
func (r *Recorder) Record(ctx context.Context, evtType event.Type, marketID string, payload map[string]any) {
	evt := event.Event{
		Type:     evtType,
		MarketID: marketID,
		Payload:  payload,
	}

	stored, err := r.store.CreateEvent(ctx, evt)
	if err != nil {
		r.log.WithError(err).WithField("type", string(evtType)).Warn("persist event failed")
		stored = evt
	}

	if r.bus != nil {
		r.bus.Publish(stored)
	}
}
