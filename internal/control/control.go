// Package control applies work items and control actions to Task Records
// and the dispatcher: proceed, retry-from-step, pause, resume and stop.
package control

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/dispatch"
	"github.com/sells-group/datapipe/internal/events"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/store"
)

var (
	// ErrNoActiveRun is reported when a halt targets a dataset with no run.
	ErrNoActiveRun = errors.New("no active run")
	// ErrInvalidItem is returned for work items missing required fields.
	ErrInvalidItem = errors.New("invalid work item")
	// ErrUnknownAction is returned for control actions other than
	// pause, resume and stop.
	ErrUnknownAction = errors.New("unknown control action")
)

// Control actions accepted by Handle.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)

// WorkItem asks for a dataset to be (re)processed.
type WorkItem struct {
	DatasetID    string          `json:"dataset_id,omitempty"`
	SourcePath   string          `json:"source_path"`
	AIConfig     *model.AIConfig `json:"ai_config,omitempty"`
	ResumeMarker model.Status    `json:"resume_marker,omitempty"`
}

// Outcome reports what a control call did.
type Outcome struct {
	DatasetID string       `json:"dataset_id"`
	Action    string       `json:"action"`
	Applied   bool         `json:"applied"`
	Status    model.Status `json:"status,omitempty"`
	Handle    string       `json:"handle,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// Controller is the control surface over the task store and dispatcher.
type Controller struct {
	tasks      store.Store
	dispatcher dispatch.Dispatcher
	events     events.Publisher
}

// New creates a Controller.
func New(tasks store.Store, d dispatch.Dispatcher, pub events.Publisher) *Controller {
	return &Controller{tasks: tasks, dispatcher: d, events: pub}
}

// Proceed registers the dataset if needed and dispatches a run from the
// item's resume marker, or from the start.
func (c *Controller) Proceed(ctx context.Context, item WorkItem) (*Outcome, error) {
	task, err := c.upsert(ctx, &item)
	if err != nil {
		return nil, err
	}
	marker := item.ResumeMarker
	if marker == "" {
		marker = model.StatusInQueue
	}
	return c.start(ctx, "proceed", task, item, model.StatusInQueue, marker)
}

// RetryStep resets the status to the item's marker and dispatches a run
// from it.
func (c *Controller) RetryStep(ctx context.Context, item WorkItem) (*Outcome, error) {
	marker := model.ParseStatus(string(item.ResumeMarker))
	if !marker.IsStageMarker() {
		return nil, eris.Wrapf(ErrInvalidItem, "control: retry step marker %q", item.ResumeMarker)
	}
	item.ResumeMarker = marker
	task, err := c.upsert(ctx, &item)
	if err != nil {
		return nil, err
	}
	return c.start(ctx, "retry_step", task, item, marker, marker)
}

// Handle applies a pause, resume or stop action.
func (c *Controller) Handle(ctx context.Context, datasetID, action string) (*Outcome, error) {
	switch action {
	case ActionPause:
		return c.Pause(ctx, datasetID)
	case ActionResume:
		return c.Resume(ctx, datasetID)
	case ActionStop:
		return c.Stop(ctx, datasetID)
	default:
		return nil, eris.Wrapf(ErrUnknownAction, "control: %q", action)
	}
}

// Pause cancels the active run and marks the task paused. The resume
// marker is kept so Resume continues from the last stage.
func (c *Controller) Pause(ctx context.Context, datasetID string) (*Outcome, error) {
	return c.halt(ctx, ActionPause, datasetID, model.StatusPaused, false)
}

// Stop cancels the active run, marks the task stopped and forgets the
// run handle.
func (c *Controller) Stop(ctx context.Context, datasetID string) (*Outcome, error) {
	return c.halt(ctx, ActionStop, datasetID, model.StatusStopped, true)
}

// Resume dispatches a run from the task's resume point with the stored
// source and AI configuration.
func (c *Controller) Resume(ctx context.Context, datasetID string) (*Outcome, error) {
	task, err := c.tasks.GetTask(ctx, datasetID)
	if err != nil {
		return nil, eris.Wrapf(err, "control: resume %s", datasetID)
	}
	marker := task.ResumePoint()
	if marker == "" {
		marker = model.StatusInQueue
	}
	item := WorkItem{DatasetID: task.ID, SourcePath: task.FilePath, AIConfig: task.AIConfig, ResumeMarker: marker}
	return c.start(ctx, ActionResume, task, item, marker, marker)
}

// upsert creates the Task Record or refreshes its source and AI config.
func (c *Controller) upsert(ctx context.Context, item *WorkItem) (*model.Task, error) {
	if item.DatasetID == "" {
		id, err := model.DatasetIDFromPath(item.SourcePath)
		if err != nil {
			return nil, eris.Wrapf(ErrInvalidItem, "control: %v", err)
		}
		item.DatasetID = id
	}
	if item.SourcePath == "" {
		return nil, eris.Wrapf(ErrInvalidItem, "control: %s has no source path", item.DatasetID)
	}
	if item.AIConfig != nil {
		if err := item.AIConfig.Validate(); err != nil {
			return nil, eris.Wrapf(ErrInvalidItem, "control: %v", err)
		}
	}

	task, created, err := c.tasks.CreateTask(ctx, model.Task{
		ID:       item.DatasetID,
		FilePath: item.SourcePath,
		AIConfig: item.AIConfig,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "control: register %s", item.DatasetID)
	}
	if created {
		events.Emit(ctx, c.events, task.ID, model.StatusAdded, map[string]any{"file_path": task.FilePath})
		return task, nil
	}

	if err := c.tasks.UpdateSource(ctx, task.ID, item.SourcePath, item.AIConfig); err != nil {
		return nil, eris.Wrapf(err, "control: update source %s", task.ID)
	}
	task.FilePath = item.SourcePath
	if item.AIConfig != nil {
		task.AIConfig = item.AIConfig
	}
	return task, nil
}

// start replaces any active run with a new one. The status is written
// before dispatch so the run never observes the previous status.
func (c *Controller) start(ctx context.Context, action string, task *model.Task, item WorkItem, status, marker model.Status) (*Outcome, error) {
	log := zap.L().With(zap.String("dataset_id", task.ID), zap.String("action", action))

	c.cancelActive(ctx, task)

	if err := c.tasks.ResetStatus(ctx, task.ID, status); err != nil {
		return nil, eris.Wrapf(err, "control: set %s status %s", task.ID, status)
	}
	events.Emit(ctx, c.events, task.ID, status, nil)

	cfg := item.AIConfig
	if cfg == nil {
		cfg = task.AIConfig
	}
	job := dispatch.Job{DatasetID: task.ID, SourcePath: item.SourcePath, ResumeMarker: marker}
	if cfg != nil {
		job.AIConfig = *cfg
	}

	handle, err := c.dispatcher.Dispatch(ctx, job)
	if err != nil {
		if werr := c.tasks.ResetStatus(ctx, task.ID, model.StatusError); werr != nil {
			log.Warn("control: on_error not written", zap.Error(werr))
		}
		events.Emit(ctx, c.events, task.ID, model.StatusError, map[string]any{"error": err.Error()})
		return nil, eris.Wrapf(err, "control: dispatch %s", task.ID)
	}
	if err := c.tasks.SetRunHandle(ctx, task.ID, handle); err != nil {
		log.Warn("control: run handle not recorded", zap.String("handle", handle), zap.Error(err))
	}

	log.Info("control: run dispatched",
		zap.String("handle", handle),
		zap.String("resume_marker", string(marker)),
	)
	return &Outcome{DatasetID: task.ID, Action: action, Applied: true, Status: status, Handle: handle}, nil
}

func (c *Controller) halt(ctx context.Context, action, datasetID string, status model.Status, clearHandle bool) (*Outcome, error) {
	task, err := c.tasks.GetTask(ctx, datasetID)
	if err != nil {
		return nil, eris.Wrapf(err, "control: %s %s", action, datasetID)
	}
	if !hasActiveRun(task) {
		zap.L().Warn("control: no active run",
			zap.String("dataset_id", datasetID),
			zap.String("action", action),
			zap.String("status", string(task.Status)),
		)
		return &Outcome{DatasetID: datasetID, Action: action, Status: task.Status, Reason: ErrNoActiveRun.Error()}, nil
	}

	if err := c.dispatcher.Cancel(ctx, task.RunHandle); err != nil {
		return nil, eris.Wrapf(err, "control: %s %s", action, datasetID)
	}
	if err := c.tasks.ResetStatus(ctx, datasetID, status); err != nil {
		return nil, eris.Wrapf(err, "control: set %s status %s", datasetID, status)
	}
	if clearHandle {
		if err := c.tasks.SetRunHandle(ctx, datasetID, ""); err != nil {
			zap.L().Warn("control: run handle not cleared", zap.String("dataset_id", datasetID), zap.Error(err))
		}
	}
	events.Emit(ctx, c.events, datasetID, status, nil)

	zap.L().Info("control: run halted",
		zap.String("dataset_id", datasetID),
		zap.String("action", action),
		zap.String("handle", task.RunHandle),
	)
	return &Outcome{DatasetID: datasetID, Action: action, Applied: true, Status: status, Handle: task.RunHandle}, nil
}

func (c *Controller) cancelActive(ctx context.Context, task *model.Task) {
	if task.RunHandle == "" {
		return
	}
	if err := c.dispatcher.Cancel(ctx, task.RunHandle); err != nil {
		zap.L().Warn("control: cancel previous run",
			zap.String("dataset_id", task.ID),
			zap.String("handle", task.RunHandle),
			zap.Error(err),
		)
	}
}

// hasActiveRun reports whether a recorded handle may still be running.
// A run in on_error can still be waiting for its outer retry.
func hasActiveRun(task *model.Task) bool {
	if task.RunHandle == "" {
		return false
	}
	switch task.Status {
	case model.StatusDone, model.StatusPaused, model.StatusStopped:
		return false
	default:
		return true
	}
}
