package stage

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/tabular"
)

// SourceReader loads the uploaded dataset.
type SourceReader interface {
	ReadSource(ctx context.Context, path string) (*tabular.Table, error)
}

// Ingest reads the source file into the run state.
type Ingest struct {
	src SourceReader
}

// NewIngest creates the ingest executor.
func NewIngest(src SourceReader) *Ingest {
	return &Ingest{src: src}
}

// Stage implements Executor.
func (i *Ingest) Stage() model.Stage { return model.StageIngest }

// Execute implements Executor.
func (i *Ingest) Execute(ctx context.Context, st *State) error {
	if st.SourcePath == "" {
		return eris.Errorf("stage: ingest %s: empty source path", st.DatasetID)
	}
	t, err := i.src.ReadSource(ctx, st.SourcePath)
	if err != nil {
		return eris.Wrapf(err, "stage: ingest %s", st.DatasetID)
	}
	st.Table = t
	st.report("row_count", t.Len())
	st.report("column_count", len(t.Columns))

	zap.L().Info("stage: dataset loaded",
		zap.String("dataset_id", st.DatasetID),
		zap.String("source", st.SourcePath),
		zap.Int("rows", t.Len()),
		zap.Int("columns", len(t.Columns)),
	)
	return nil
}
