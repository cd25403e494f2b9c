package stage

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/clean"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/tabular"
)

// SnapshotWriter persists stage snapshots.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, kind model.ArtifactKind, datasetID string, t *tabular.Table) (model.FileRef, error)
}

// Clean sanitises, deduplicates and filters the table, then snapshots it.
type Clean struct {
	cleaner   *clean.Cleaner
	snapshots SnapshotWriter
	tasks     ArtifactRecorder
}

// NewClean creates the clean executor.
func NewClean(cleaner *clean.Cleaner, snapshots SnapshotWriter, tasks ArtifactRecorder) *Clean {
	return &Clean{cleaner: cleaner, snapshots: snapshots, tasks: tasks}
}

// Stage implements Executor.
func (c *Clean) Stage() model.Stage { return model.StageClean }

// Execute implements Executor.
func (c *Clean) Execute(ctx context.Context, st *State) error {
	if err := requireTable(st, model.StageClean); err != nil {
		return err
	}
	rep := c.cleaner.Clean(st.Table)
	st.report("rows_before", rep.RowsBefore)
	st.report("rows_after", rep.RowsAfter)
	st.report("duplicates_removed", rep.Duplicates)
	st.report("outliers_removed", rep.Outliers)

	if st.Replay {
		return nil
	}

	ref, err := c.snapshots.SaveSnapshot(ctx, model.ArtifactCleaned, st.DatasetID, st.Table)
	if err != nil {
		return eris.Wrapf(err, "stage: clean %s: save snapshot", st.DatasetID)
	}
	recordArtifact(ctx, c.tasks, st.DatasetID, model.ArtifactCleaned, ref)
	st.report("file", ref)

	zap.L().Info("stage: dataset cleaned",
		zap.String("dataset_id", st.DatasetID),
		zap.Int("rows_before", rep.RowsBefore),
		zap.Int("rows_after", rep.RowsAfter),
		zap.Int("duplicates", rep.Duplicates),
		zap.String("snapshot", ref.Path),
	)
	return nil
}
