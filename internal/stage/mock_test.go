package stage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/datapipe/internal/model"
)

// --- ArtifactRecorder Mock ---

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) SetArtifact(ctx context.Context, id string, kind model.ArtifactKind, ref model.FileRef) error {
	args := m.Called(ctx, id, kind, ref)
	return args.Error(0)
}

// --- RowSink Mock ---

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Table() string {
	return "analysed_rows"
}

func (m *mockSink) Replace(ctx context.Context, datasetID string, columns []string, rows [][]string) (int64, error) {
	args := m.Called(ctx, datasetID, columns, rows)
	return args.Get(0).(int64), args.Error(1)
}
