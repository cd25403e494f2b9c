// Package pipeline runs the stage plan for one dataset: it resolves where to
// start, rebuilds the input table from snapshots when needed, and records
// every stage transition on the Task Record.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/events"
	"github.com/sells-group/datapipe/internal/metrics"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/stage"
	"github.com/sells-group/datapipe/internal/steps"
	"github.com/sells-group/datapipe/internal/store"
	"github.com/sells-group/datapipe/internal/tabular"
)

// TaskStore is the subset of store.Store the orchestrator writes through.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	UpdateStatus(ctx context.Context, id string, from, to model.Status) error
}

// SnapshotLoader reads stage snapshots back.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, kind model.ArtifactKind, datasetID string) (*tabular.Table, bool, error)
}

// RunRequest describes one run.
type RunRequest struct {
	DatasetID    string
	SourcePath   string
	AIConfig     model.AIConfig
	ResumeMarker model.Status
}

// RunResult summarises a finished run.
type RunResult struct {
	DatasetID string        `json:"dataset_id"`
	Plan      steps.Plan    `json:"plan"`
	Status    model.Status  `json:"status"`
	Rows      int           `json:"rows"`
	ModelUID  string        `json:"model_uid,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Pipeline orchestrates the stage executors.
type Pipeline struct {
	tasks     TaskStore
	snapshots SnapshotLoader
	events    events.Publisher
	executors map[model.Stage]stage.Executor
}

// New creates a Pipeline. Every stage in model.Stages needs an executor.
func New(tasks TaskStore, snapshots SnapshotLoader, pub events.Publisher, execs ...stage.Executor) (*Pipeline, error) {
	p := &Pipeline{
		tasks:     tasks,
		snapshots: snapshots,
		events:    pub,
		executors: make(map[model.Stage]stage.Executor, len(execs)),
	}
	for _, e := range execs {
		p.executors[e.Stage()] = e
	}
	for _, s := range model.Stages {
		if _, ok := p.executors[s]; !ok {
			return nil, eris.Errorf("pipeline: no executor for stage %s", s)
		}
	}
	return p, nil
}

// Retryable reports whether a failed run may be dispatched again. Conflicts
// and cancellations come from control actions and are final.
func Retryable(err error) bool {
	if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, context.Canceled) {
		return false
	}
	return model.IsRetryable(err)
}

// Run executes the plan resolved from req.ResumeMarker.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := time.Now()
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	task, err := p.tasks.GetTask(ctx, req.DatasetID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load task %s", req.DatasetID)
	}

	plan := steps.Resolve(req.ResumeMarker)
	r := &run{
		p:       p,
		id:      req.DatasetID,
		current: task.Status,
		log: zap.L().With(
			zap.String("dataset_id", req.DatasetID),
			zap.String("resume_marker", string(req.ResumeMarker)),
			zap.String("start", string(plan.Start)),
		),
	}
	result := &RunResult{DatasetID: req.DatasetID, Plan: plan}

	if plan.Empty() {
		r.log.Info("pipeline: nothing left to run")
		if err := r.transition(ctx, model.StatusDone); err != nil {
			return nil, r.abort(err)
		}
		result.Status = model.StatusDone
		result.Duration = time.Since(start)
		metrics.Runs.WithLabelValues("done").Inc()
		return result, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	st := &stage.State{
		DatasetID:  req.DatasetID,
		SourcePath: req.SourcePath,
		AIConfig:   req.AIConfig,
		Emit:       r.progress(runCtx),
	}

	r.log.Info("pipeline: starting run", zap.Int("stages", len(plan.Stages)))

	for _, s := range plan.Stages {
		if s != model.StageIngest && st.Table == nil {
			if err := r.hydrate(runCtx, st, s); err != nil {
				return nil, r.stageFailed(ctx, runCtx, s, err)
			}
		}

		if err := r.transition(runCtx, s.StartMarker()); err != nil {
			return nil, r.abort(err)
		}
		r.emit(runCtx, s.StartMarker(), nil)

		st.Report = nil
		if err := r.execute(runCtx, st, s); err != nil {
			return nil, r.stageFailed(ctx, runCtx, s, err)
		}

		if err := r.transition(runCtx, s.DoneMarker()); err != nil {
			return nil, r.abort(err)
		}
		r.emit(runCtx, s.DoneMarker(), st.Report)
	}

	if err := r.transition(runCtx, model.StatusDone); err != nil {
		return nil, r.abort(err)
	}
	result.Status = model.StatusDone
	result.Rows = st.Table.Len()
	result.ModelUID = st.ModelUID
	result.Duration = time.Since(start)
	r.emit(runCtx, model.StatusDone, map[string]any{
		"total_rows": result.Rows,
		"model_uid":  result.ModelUID,
	})

	metrics.Runs.WithLabelValues("done").Inc()
	r.log.Info("pipeline: run complete",
		zap.Int("rows", result.Rows),
		zap.String("model_uid", result.ModelUID),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}
