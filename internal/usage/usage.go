// Package usage appends usage events for completed upstream calls.
package usage

import (
	"context"
	"time"

	"github.com/dca57/MesSnippets-sub002/pkg/events"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"github.com/dca57/MesSnippets-sub002/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const recordTimeout = 5 * time.Second

// EventStore appends usage events.
type EventStore interface {
	InsertUsageEvent(ctx context.Context, event models.UsageEvent) error
}

// Recorder persists one event per successful upstream call. A persist
// failure is logged and counted but never fails the caller's response.
type Recorder struct {
	store  EventStore
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder. bus may be nil.
func NewRecorder(store EventStore, bus *events.Bus, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  store,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Record fills in the id and timestamp when unset and appends the event. It
// reports whether the event was persisted. The write runs detached from
// ctx's cancellation: the upstream call has already been paid for.
func (r *Recorder) Record(ctx context.Context, event models.UsageEvent) (models.UsageEvent, bool) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := r.store.InsertUsageEvent(writeCtx, event); err != nil {
		metrics.UsageRecordFailures.Inc()
		r.logger.Error("failed to record usage event",
			zap.String("event_id", event.ID.String()),
			zap.String("user_id", event.UserID),
			zap.String("provider_id", event.ProviderID),
			zap.Int("tokens_in", event.TokensIn),
			zap.Int("tokens_out", event.TokensOut),
			zap.Error(err),
		)
		return event, false
	}

	if r.bus != nil {
		r.bus.Publish(ctx, events.NewEvent(events.EventUsageRecorded, event.UserID, map[string]interface{}{
			"event_id":    event.ID.String(),
			"provider_id": event.ProviderID,
			"model":       event.Model,
			"origin":      event.Origin,
			"tokens_in":   event.TokensIn,
			"tokens_out":  event.TokensOut,
		}))
	}
	return event, true
}
