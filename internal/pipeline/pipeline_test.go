package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapipe/internal/annotate"
	"github.com/sells-group/datapipe/internal/clean"
	"github.com/sells-group/datapipe/internal/events"
	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/stage"
	"github.com/sells-group/datapipe/internal/storage"
	"github.com/sells-group/datapipe/internal/store"
	"github.com/sells-group/datapipe/internal/tabular"
)

const (
	datasetID  = "tweets"
	sourcePath = "uploads/tweets.csv"
	sourceCSV  = "id,full_text,likes\n1,Great @user1 😀 service!!,3\n2,network down again,4\n3,thanks for the help,5\n"
	reply      = `{"data": {"sentiment": ["positive", "negative", "positive"], "priority": ["low", "high", "normal"], "topic": ["service", "network", "support"]}}`
)

type countingTransport struct {
	calls int
}

func (c *countingTransport) Complete(context.Context, model.Model, string) (string, error) {
	c.calls++
	return reply, nil
}

// flakyExecutor fails its first n executions.
type flakyExecutor struct {
	stage.Executor
	failures int
}

func (f *flakyExecutor) Execute(ctx context.Context, st *stage.State) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	return f.Executor.Execute(ctx, st)
}

// pausingExecutor changes the task status mid-stage, as a control action would.
type pausingExecutor struct {
	stage.Executor
	tasks store.Store
}

func (p *pausingExecutor) Execute(ctx context.Context, st *stage.State) error {
	if err := p.tasks.ResetStatus(ctx, st.DatasetID, model.StatusPaused); err != nil {
		return err
	}
	return p.Executor.Execute(ctx, st)
}

type harness struct {
	tasks     *store.SQLiteStore
	storage   *storage.Store
	fs        afero.Fs
	transport *countingTransport
	execs     map[model.Stage]stage.Executor
}

func newHarness(t *testing.T, withSource bool) *harness {
	t.Helper()
	tasks, err := store.NewSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tasks.Close() }) //nolint:errcheck
	require.NoError(t, tasks.Migrate(context.Background()))

	fs := afero.NewMemMapFs()
	if withSource {
		require.NoError(t, afero.WriteFile(fs, "/data/"+sourcePath, []byte(sourceCSV), 0o644))
	}
	st := storage.New(fs, "/data")
	tr := &countingTransport{}

	h := &harness{tasks: tasks, storage: st, fs: fs, transport: tr}
	h.execs = map[model.Stage]stage.Executor{
		model.StageIngest:   stage.NewIngest(st),
		model.StageClean:    stage.NewClean(clean.New(clean.Options{}), st, tasks),
		model.StageAnnotate: stage.NewAnnotate(annotate.New(tr, annotate.Options{})),
		model.StageAugment:  stage.NewAugment(),
		model.StagePersist:  stage.NewPersist(st, tasks, nil),
	}

	_, _, err = tasks.CreateTask(context.Background(), model.Task{ID: datasetID, FilePath: sourcePath})
	require.NoError(t, err)
	return h
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	execs := make([]stage.Executor, 0, len(model.Stages))
	for _, s := range model.Stages {
		execs = append(execs, h.execs[s])
	}
	p, err := New(h.tasks, h.storage, events.NewStore(h.tasks), execs...)
	require.NoError(t, err)
	return p
}

func (h *harness) request(marker model.Status) RunRequest {
	return RunRequest{
		DatasetID:  datasetID,
		SourcePath: sourcePath,
		AIConfig: model.AIConfig{
			Preferences: model.AIPreferences{Mode: model.AIModeLocal},
			Local:       []model.Model{{UID: "local-1", Data: model.ModelData{PaginateRowsLimit: 10}}},
		},
		ResumeMarker: marker,
	}
}

func (h *harness) task(t *testing.T) *model.Task {
	t.Helper()
	task, err := h.tasks.GetTask(context.Background(), datasetID)
	require.NoError(t, err)
	return task
}

func (h *harness) analysed(t *testing.T) *tabular.Table {
	t.Helper()
	tbl, ok, err := h.storage.LoadSnapshot(context.Background(), model.ArtifactAnalysed, datasetID)
	require.NoError(t, err)
	require.True(t, ok)
	return tbl
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.pipeline(t).Run(context.Background(), h.request(""))
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, res.Status)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, "local-1", res.ModelUID)
	assert.Len(t, res.Plan.Stages, 5)

	task := h.task(t)
	assert.Equal(t, model.StatusDone, task.Status)
	require.NotNil(t, task.FileCleaned)
	assert.Equal(t, "cleaned/tweets.csv", task.FileCleaned.Path)
	require.NotNil(t, task.FileAnalysed)
	assert.Equal(t, "analysed/tweets.csv", task.FileAnalysed.Path)

	out := h.analysed(t)
	assert.Equal(t, 3, out.Len())
	for _, col := range []string{annotate.SentimentColumn, annotate.PriorityColumn, annotate.TopicColumn} {
		assert.True(t, out.HasColumn(col), col)
	}
	pr, _ := out.Column(annotate.PriorityColumn)
	assert.Equal(t, []string{"0", "2", "1"}, pr)

	evs, err := h.tasks.ListEvents(context.Background(), datasetID, 0)
	require.NoError(t, err)
	names := make([]model.Status, 0, len(evs))
	for _, ev := range evs {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []model.Status{
		model.StatusReading, model.StatusReadingDone,
		model.StatusCleaning, model.StatusCleaningDone,
		model.StatusAnnotating, model.StatusAnnotatingProgress, model.StatusAnnotatingDone,
		model.StatusAugmenting, model.StatusAugmentingDone,
		model.StatusPersisting, model.StatusPersistingDone,
		model.StatusDone,
	}, names)
}

func TestRun_CrashThenDoubleRerunIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	h.execs[model.StageAugment] = &flakyExecutor{Executor: h.execs[model.StageAugment], failures: 1}
	p := h.pipeline(t)

	_, err := p.Run(context.Background(), h.request(""))
	var fatal *model.FatalRunError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, model.StageAugment, fatal.Stage)
	assert.True(t, Retryable(err))

	task := h.task(t)
	assert.Equal(t, model.StatusError, task.Status)
	assert.Equal(t, model.StatusAugmenting, task.ResumeMarker)
	marker := task.ResumePoint()

	var rows []int
	for range 2 {
		res, err := p.Run(context.Background(), h.request(marker))
		require.NoError(t, err)
		assert.Equal(t, model.StatusDone, res.Status)
		rows = append(rows, res.Rows)
		assert.Equal(t, model.StatusDone, h.task(t).Status)
	}
	assert.Equal(t, []int{3, 3}, rows)
	assert.Equal(t, 3, h.analysed(t).Len())
}

func TestRun_ResumeAtAnnotateUsesCleanedSnapshot(t *testing.T) {
	h := newHarness(t, false)
	cleaned, err := tabular.FromRecords([][]string{
		{"id", "full_text"},
		{"1", "a"}, {"2", "b"}, {"3", "c"},
	})
	require.NoError(t, err)
	_, err = h.storage.SaveSnapshot(context.Background(), model.ArtifactCleaned, datasetID, cleaned)
	require.NoError(t, err)

	res, err := h.pipeline(t).Run(context.Background(), h.request(model.StatusCleaningDone))
	require.NoError(t, err)
	assert.Equal(t, []model.Stage{model.StageAnnotate, model.StageAugment, model.StagePersist}, res.Plan.Stages)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 1, h.transport.calls)
}

func TestRun_ResumeAtCleanReplaysIngest(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.pipeline(t).Run(context.Background(), h.request(model.StatusCleaning))
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, res.Status)
	assert.Equal(t, 3, res.Rows)
}

func TestRun_DoneMarkerRunsNothing(t *testing.T) {
	h := newHarness(t, true)

	res, err := h.pipeline(t).Run(context.Background(), h.request(model.StatusPersistingDone))
	require.NoError(t, err)
	assert.True(t, res.Plan.Empty())
	assert.Equal(t, model.StatusDone, h.task(t).Status)
	assert.Equal(t, 0, h.transport.calls)
}

func TestRun_SchemaErrorFailsAtAnnotate(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, afero.WriteFile(h.fs, "/data/"+sourcePath, []byte("id,body\n1,x\n"), 0o644))

	_, err := h.pipeline(t).Run(context.Background(), h.request(""))
	var fatal *model.FatalRunError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, model.StageAnnotate, fatal.Stage)
	var se *model.SchemaError
	assert.ErrorAs(t, err, &se)
	assert.False(t, Retryable(err))

	task := h.task(t)
	assert.Equal(t, model.StatusError, task.Status)
	assert.Equal(t, model.StatusAnnotating, task.ResumeMarker)
}

func TestRun_ConflictAbortsWithoutOnError(t *testing.T) {
	h := newHarness(t, true)
	h.execs[model.StageClean] = &pausingExecutor{Executor: h.execs[model.StageClean], tasks: h.tasks}

	_, err := h.pipeline(t).Run(context.Background(), h.request(""))
	require.ErrorIs(t, err, store.ErrStatusConflict)
	assert.False(t, Retryable(err))

	task := h.task(t)
	assert.Equal(t, model.StatusPaused, task.Status)
	assert.Equal(t, model.StatusCleaning, task.ResumeMarker)
}

func TestRun_CanceledDoesNotWriteOnError(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline(t).Run(ctx, h.request(""))
	require.Error(t, err)
	assert.NotEqual(t, model.StatusError, h.task(t).Status)
}

func TestNew_MissingExecutor(t *testing.T) {
	_, err := New(nil, nil, nil, stage.NewAugment())
	assert.ErrorContains(t, err, "no executor")
}

func TestRun_UnknownTask(t *testing.T) {
	h := newHarness(t, true)
	req := h.request("")
	req.DatasetID = "missing"
	_, err := h.pipeline(t).Run(context.Background(), req)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
