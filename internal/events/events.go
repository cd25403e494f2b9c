// Package events publishes dataset progress and status notifications.
// Delivery is best effort: a failing sink is logged and never fails a run.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/metrics"
	"github.com/sells-group/datapipe/internal/model"
)

// Publisher delivers one event.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Named is implemented by publishers that report a sink name for metrics.
type Named interface {
	Name() string
}

// Log writes events to the process logger.
type Log struct{}

// Name implements Named.
func (Log) Name() string { return "log" }

// Publish implements Publisher.
func (Log) Publish(_ context.Context, ev model.Event) error {
	zap.L().Info("event",
		zap.String("dataset_id", ev.DatasetID),
		zap.String("event", string(ev.Name)),
		zap.Any("payload", ev.Payload),
	)
	return nil
}

// EventAppender persists events.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev model.Event) error
}

// Store appends events to the task event log.
type Store struct {
	store EventAppender
}

// NewStore creates a publisher backed by s.
func NewStore(s EventAppender) *Store {
	return &Store{store: s}
}

// Name implements Named.
func (s *Store) Name() string { return "store" }

// Publish implements Publisher.
func (s *Store) Publish(ctx context.Context, ev model.Event) error {
	return s.store.AppendEvent(ctx, ev)
}

// Multi fans an event out to every sink. Sink errors are logged and counted
// but not returned.
type Multi struct {
	sinks []Publisher
}

// NewMulti creates a fan-out publisher. Nil sinks are skipped.
func NewMulti(sinks ...Publisher) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Publish implements Publisher.
func (m *Multi) Publish(ctx context.Context, ev model.Event) error {
	for _, s := range m.sinks {
		name := sinkName(s)
		if err := s.Publish(ctx, ev); err != nil {
			metrics.EventsPublished.WithLabelValues(name, "error").Inc()
			zap.L().Warn("events: publish failed",
				zap.String("sink", name),
				zap.String("dataset_id", ev.DatasetID),
				zap.String("event", string(ev.Name)),
				zap.Error(err),
			)
			continue
		}
		metrics.EventsPublished.WithLabelValues(name, "ok").Inc()
	}
	return nil
}

func sinkName(p Publisher) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return "custom"
}

// Emit publishes a new event for datasetID through p.
func Emit(ctx context.Context, p Publisher, datasetID string, name model.Status, payload map[string]any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, model.NewEvent(datasetID, name, payload)); err != nil {
		zap.L().Warn("events: publish failed",
			zap.String("dataset_id", datasetID),
			zap.String("event", string(name)),
			zap.Error(err),
		)
	}
}
