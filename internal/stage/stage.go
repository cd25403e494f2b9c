// Package stage implements the executors for the five pipeline stages.
package stage

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/tabular"
)

// Emitter publishes an event for the current dataset.
type Emitter func(name model.Status, payload map[string]any)

// State is the mutable context shared by the stages of one run.
type State struct {
	DatasetID  string
	SourcePath string
	AIConfig   model.AIConfig
	Table      *tabular.Table
	ModelUID   string
	Emit       Emitter

	// Replay is set while stages are re-run in memory to rebuild the table
	// for a later stage. Executors skip durable side effects in replay.
	Replay bool

	// Report collects the payload of the stage's done event. The orchestrator
	// resets it before each stage.
	Report map[string]any
}

// Executor runs one stage.
type Executor interface {
	Stage() model.Stage
	Execute(ctx context.Context, st *State) error
}

// ArtifactRecorder stores snapshot pointers on the Task Record.
type ArtifactRecorder interface {
	SetArtifact(ctx context.Context, id string, kind model.ArtifactKind, ref model.FileRef) error
}

// RowSink receives the final rows of a dataset.
type RowSink interface {
	Table() string
	Replace(ctx context.Context, datasetID string, columns []string, rows [][]string) (int64, error)
}

func (st *State) report(key string, v any) {
	if st.Report == nil {
		st.Report = make(map[string]any)
	}
	st.Report[key] = v
}

func (st *State) emit(name model.Status, payload map[string]any) {
	if st.Emit != nil && !st.Replay {
		st.Emit(name, payload)
	}
}

// recordArtifact stores the snapshot pointer. A failed write is logged and
// does not fail the stage.
func recordArtifact(ctx context.Context, tasks ArtifactRecorder, datasetID string, kind model.ArtifactKind, ref model.FileRef) {
	if err := tasks.SetArtifact(ctx, datasetID, kind, ref); err != nil {
		perr := &model.PersistenceError{Op: "artifact " + string(kind), Err: err}
		zap.L().Warn("stage: artifact pointer not recorded",
			zap.String("dataset_id", datasetID),
			zap.String("path", ref.Path),
			zap.Error(perr),
		)
	}
}

func requireTable(st *State, s model.Stage) error {
	if st.Table == nil {
		return &MissingInputError{Stage: s}
	}
	return nil
}

// MissingInputError is returned when a stage runs without a table.
type MissingInputError struct {
	Stage model.Stage
}

func (e *MissingInputError) Error() string {
	return "stage " + string(e.Stage) + ": no input table"
}
