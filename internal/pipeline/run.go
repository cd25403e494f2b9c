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
	"github.com/sells-group/datapipe/internal/store"
)

// run holds the per-run state: the status last written by this run and the
// first conflict seen, if any.
type run struct {
	p       *Pipeline
	id      string
	current model.Status
	log     *zap.Logger

	cancel   context.CancelFunc
	conflict error
}

// transition CAS-writes to. Conflicts are returned; other write failures are
// logged and swallowed.
func (r *run) transition(ctx context.Context, to model.Status) error {
	err := r.p.tasks.UpdateStatus(ctx, r.id, r.current, to)
	switch {
	case err == nil:
		r.current = to
		return nil
	case errors.Is(err, store.ErrStatusConflict):
		return err
	default:
		perr := &model.PersistenceError{Op: "status " + string(to), Err: err}
		r.log.Warn("pipeline: status write failed", zap.Error(perr))
		return nil
	}
}

// progress returns the emitter handed to stages. Progress markers are also
// written to the Task Record; a conflict there cancels the run.
func (r *run) progress(ctx context.Context) stage.Emitter {
	return func(name model.Status, payload map[string]any) {
		if name.IsStageMarker() && r.conflict == nil {
			if err := r.transition(ctx, name); err != nil {
				r.conflict = err
				r.cancel()
				return
			}
		}
		r.emit(ctx, name, payload)
	}
}

func (r *run) emit(ctx context.Context, name model.Status, payload map[string]any) {
	events.Emit(context.WithoutCancel(ctx), r.p.events, r.id, name, payload)
}

func (r *run) execute(ctx context.Context, st *stage.State, s model.Stage) error {
	start := time.Now()
	err := r.p.executors[s].Execute(ctx, st)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(string(s)).Observe(elapsed.Seconds())

	if err != nil {
		metrics.StageRuns.WithLabelValues(string(s), "error").Inc()
		r.log.Error("pipeline: stage failed",
			zap.String("stage", string(s)),
			zap.Bool("replay", st.Replay),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return err
	}
	metrics.StageRuns.WithLabelValues(string(s), "ok").Inc()
	r.log.Info("pipeline: stage complete",
		zap.String("stage", string(s)),
		zap.Bool("replay", st.Replay),
		zap.Duration("duration", elapsed),
	)
	return nil
}

// hydrate rebuilds the input table of target from the newest usable snapshot
// and replays the stages in between in memory. The analysed snapshot already
// carries annotations, the cleaned snapshot only the clean output.
func (r *run) hydrate(ctx context.Context, st *stage.State, target model.Stage) error {
	ti := target.Index()
	from := 0

	if ti >= model.StageAugment.Index() {
		t, ok, err := r.p.snapshots.LoadSnapshot(ctx, model.ArtifactAnalysed, r.id)
		if err != nil {
			return eris.Wrap(err, "pipeline: hydrate from analysed snapshot")
		}
		if ok {
			st.Table, from = t, model.StageAugment.Index()
		}
	}
	if st.Table == nil && ti >= model.StageAnnotate.Index() {
		t, ok, err := r.p.snapshots.LoadSnapshot(ctx, model.ArtifactCleaned, r.id)
		if err != nil {
			return eris.Wrap(err, "pipeline: hydrate from cleaned snapshot")
		}
		if ok {
			st.Table, from = t, model.StageAnnotate.Index()
		}
	}

	r.log.Info("pipeline: hydrating input",
		zap.String("target", string(target)),
		zap.Bool("from_snapshot", st.Table != nil),
		zap.Int("replay_stages", ti-from),
	)

	st.Replay = true
	defer func() { st.Replay = false }()
	for _, s := range model.Stages[from:ti] {
		if err := r.execute(ctx, st, s); err != nil {
			return eris.Wrapf(err, "pipeline: replay %s", s)
		}
	}
	return nil
}

// stageFailed turns an executor error into the run outcome. Cancellation and
// conflicts leave the status to whoever caused them.
func (r *run) stageFailed(parent, runCtx context.Context, s model.Stage, err error) error {
	if r.conflict != nil {
		return r.abort(r.conflict)
	}
	if runCtx.Err() != nil {
		metrics.Runs.WithLabelValues("canceled").Inc()
		r.log.Info("pipeline: run canceled", zap.String("stage", string(s)))
		return eris.Wrapf(runCtx.Err(), "pipeline: %s canceled at %s", r.id, s)
	}

	if werr := r.transition(parent, model.StatusError); werr != nil {
		r.log.Warn("pipeline: on_error not written", zap.Error(werr))
	}
	r.emit(parent, model.StatusError, map[string]any{
		"stage": string(s),
		"error": err.Error(),
	})
	metrics.Runs.WithLabelValues("error").Inc()
	return &model.FatalRunError{DatasetID: r.id, Stage: s, Err: err}
}

func (r *run) abort(err error) error {
	metrics.Runs.WithLabelValues("conflict").Inc()
	r.log.Warn("pipeline: status changed concurrently, aborting run", zap.Error(err))
	return eris.Wrapf(err, "pipeline: %s aborted", r.id)
}
