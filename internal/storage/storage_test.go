package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/tabular"
)

func sampleTable(t *testing.T) *tabular.Table {
	t.Helper()
	tbl := tabular.New("id", "full_text")
	require.NoError(t, tbl.Append([]string{"1", "hello"}))
	require.NoError(t, tbl.Append([]string{"2", "world"}))
	return tbl
}

func TestSnapshot_RoundTripRelativePointer(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "/srv/storage")

	ref, err := s.SaveSnapshot(context.Background(), model.ArtifactCleaned, "ds1", sampleTable(t))
	require.NoError(t, err)
	assert.Equal(t, "cleaned/ds1.csv", ref.Path)
	assert.Equal(t, model.ContentTypeCSV, ref.Type)

	exists, err := afero.Exists(fs, "/srv/storage/cleaned/ds1.csv")
	require.NoError(t, err)
	assert.True(t, exists)

	got, ok, err := s.LoadSnapshot(context.Background(), model.ArtifactCleaned, "ds1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, []string{"id", "full_text"}, got.Columns)
}

func TestSnapshot_Missing(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/srv/storage")

	got, ok, err := s.LoadSnapshot(context.Background(), model.ArtifactAnalysed, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSnapshot_OverwriteLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(fs, "/root", WithFormat(tabular.FormatXLSX))

	for i := 0; i < 2; i++ {
		ref, err := s.SaveSnapshot(context.Background(), model.ArtifactAnalysed, "ds1", sampleTable(t))
		require.NoError(t, err)
		assert.Equal(t, "analysed/ds1.xlsx", ref.Path)
		assert.Equal(t, model.ContentTypeXLSX, ref.Type)
	}

	entries, err := afero.ReadDir(fs, "/root/analysed")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ds1.xlsx", entries[0].Name())
}

func TestReadSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/root/uploads/ds1.csv", []byte("id,full_text\n1,hi\n"), 0o644))
	s := New(fs, "/root")

	tbl, err := s.ReadSource(context.Background(), "uploads/ds1.csv")
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	tbl, err = s.ReadSource(context.Background(), "/root/uploads/ds1.csv")
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())

	_, err = s.ReadSource(context.Background(), "uploads/missing.csv")
	assert.Error(t, err)

	_, err = s.ReadSource(context.Background(), "uploads/ds1.parquet")
	assert.Error(t, err)
}

func TestNewOS_CreatesSnapshotDirs(t *testing.T) {
	root := t.TempDir()
	s, err := NewOS(root)
	require.NoError(t, err)

	for _, dir := range []string{"cleaned", "analysed"} {
		ok, err := afero.DirExists(s.fs, root+"/"+dir)
		require.NoError(t, err)
		assert.True(t, ok, dir)
	}
}
