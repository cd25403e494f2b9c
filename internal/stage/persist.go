package stage

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/model"
)

// Persist writes the analysed snapshot and, when configured, loads the rows
// into the warehouse sink.
type Persist struct {
	snapshots SnapshotWriter
	tasks     ArtifactRecorder
	sink      RowSink
}

// NewPersist creates the persist executor. sink may be nil.
func NewPersist(snapshots SnapshotWriter, tasks ArtifactRecorder, sink RowSink) *Persist {
	return &Persist{snapshots: snapshots, tasks: tasks, sink: sink}
}

// Stage implements Executor.
func (p *Persist) Stage() model.Stage { return model.StagePersist }

// Execute implements Executor.
func (p *Persist) Execute(ctx context.Context, st *State) error {
	if err := requireTable(st, model.StagePersist); err != nil {
		return err
	}

	ref, err := p.snapshots.SaveSnapshot(ctx, model.ArtifactAnalysed, st.DatasetID, st.Table)
	if err != nil {
		return eris.Wrapf(err, "stage: persist %s: save snapshot", st.DatasetID)
	}
	recordArtifact(ctx, p.tasks, st.DatasetID, model.ArtifactAnalysed, ref)
	st.report("file", ref)
	st.report("row_count", st.Table.Len())

	if p.sink != nil {
		n, err := p.sink.Replace(ctx, st.DatasetID, st.Table.Columns, st.Table.Rows)
		if err != nil {
			return eris.Wrapf(err, "stage: persist %s: load %s", st.DatasetID, p.sink.Table())
		}
		st.report("rows_loaded", n)
	}

	zap.L().Info("stage: dataset persisted",
		zap.String("dataset_id", st.DatasetID),
		zap.String("snapshot", ref.Path),
		zap.Int("rows", st.Table.Len()),
	)
	return nil
}
