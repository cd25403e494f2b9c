package stage

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/annotate"
	"github.com/sells-group/datapipe/internal/model"
)

// Annotate labels every row through the configured models.
type Annotate struct {
	annotator *annotate.Annotator
}

// NewAnnotate creates the annotate executor.
func NewAnnotate(a *annotate.Annotator) *Annotate {
	return &Annotate{annotator: a}
}

// Stage implements Executor.
func (a *Annotate) Stage() model.Stage { return model.StageAnnotate }

// Execute implements Executor.
func (a *Annotate) Execute(ctx context.Context, st *State) error {
	if err := requireTable(st, model.StageAnnotate); err != nil {
		return err
	}

	totalBatches := 0
	if m, ok := annotate.Select(st.AIConfig, nil); ok {
		size := a.annotator.PageSize(*m)
		totalBatches = (st.Table.Len() + size - 1) / size
	}

	uid, err := a.annotator.Annotate(annotate.WithDatasetID(ctx, st.DatasetID), st.Table, st.AIConfig, st.emit)
	if err != nil {
		return err
	}
	st.ModelUID = uid
	st.report("total_rows", st.Table.Len())
	st.report("total_batches", totalBatches)
	st.report("model_uid", uid)

	zap.L().Info("stage: dataset annotated",
		zap.String("dataset_id", st.DatasetID),
		zap.String("model_uid", uid),
		zap.Int("rows", st.Table.Len()),
		zap.Int("batches", totalBatches),
	)
	return nil
}
