// Package intake turns inbound work and control messages into controller
// calls and decides whether each delivery is acknowledged, dropped or
// requeued.
package intake

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/control"
	"github.com/sells-group/datapipe/internal/metrics"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/store"
)

// Disposition is what happens to a delivery once handled.
type Disposition int

const (
	// Ack removes the delivery: the item was handed off.
	Ack Disposition = iota
	// Drop rejects the delivery without requeue: the item can never succeed.
	Drop
	// Requeue rejects the delivery and puts it back for another attempt.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Drop:
		return "drop"
	case Requeue:
		return "requeue"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// MalformedError marks a message that cannot be processed as sent.
type MalformedError struct {
	Kind string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("intake: malformed %s message: %v", e.Kind, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func malformed(kind string, err error) error {
	return &MalformedError{Kind: kind, Err: err}
}

// Controller is the subset of control.Controller used by the handler.
type Controller interface {
	Proceed(ctx context.Context, item control.WorkItem) (*control.Outcome, error)
	RetryStep(ctx context.Context, item control.WorkItem) (*control.Outcome, error)
	Handle(ctx context.Context, datasetID, action string) (*control.Outcome, error)
}

// Handler decodes messages and applies them through a Controller.
type Handler struct {
	ctrl      Controller
	defaultAI *model.AIConfig
}

// NewHandler creates a Handler. defaultAI, when non-nil, is used for work
// items that carry no AI configuration.
func NewHandler(ctrl Controller, defaultAI *model.AIConfig) *Handler {
	return &Handler{ctrl: ctrl, defaultAI: defaultAI}
}

// Handle processes one message and returns the controller outcome along
// with the delivery disposition.
func (h *Handler) Handle(ctx context.Context, kind string, body []byte) (*control.Outcome, Disposition, error) {
	out, err := h.apply(ctx, kind, body)
	disp := classify(err)
	metrics.IntakeDeliveries.WithLabelValues(kind, disp.String()).Inc()

	if err != nil {
		zap.L().Warn("intake: message not applied",
			zap.String("kind", kind),
			zap.String("disposition", disp.String()),
			zap.Error(err),
		)
	}
	return out, disp, err
}

func (h *Handler) apply(ctx context.Context, kind string, body []byte) (*control.Outcome, error) {
	msg, err := Decode(kind, body)
	if err != nil {
		return nil, err
	}
	zap.L().Info("intake: message received",
		zap.String("kind", kind),
		zap.String("dataset_id", msg.DatasetID),
		zap.String("file_path", msg.SourcePath),
	)

	switch kind {
	case KindHandleProcess:
		return h.ctrl.Handle(ctx, msg.DatasetID, msg.Action)
	case KindRetryStep:
		return h.ctrl.RetryStep(ctx, h.workItem(msg))
	default:
		item := h.workItem(msg)
		return h.ctrl.Proceed(ctx, item)
	}
}

func (h *Handler) workItem(msg *Message) control.WorkItem {
	cfg := msg.AIConfig
	if cfg == nil {
		cfg = h.defaultAI
	}
	return control.WorkItem{
		DatasetID:    msg.DatasetID,
		SourcePath:   msg.SourcePath,
		AIConfig:     cfg,
		ResumeMarker: msg.ResumeMarker,
	}
}

// classify maps a handling error to a disposition. Errors that would fail
// again on redelivery are dropped.
func classify(err error) Disposition {
	if err == nil {
		return Ack
	}
	var me *MalformedError
	switch {
	case errors.As(err, &me),
		errors.Is(err, control.ErrInvalidItem),
		errors.Is(err, control.ErrUnknownAction),
		errors.Is(err, store.ErrNotFound):
		return Drop
	default:
		return Requeue
	}
}
