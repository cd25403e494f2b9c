package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/pipeline"
)

// funcRunner adapts a function to Runner and counts calls.
type funcRunner struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req pipeline.RunRequest) error
}

func (f *funcRunner) Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error) {
	f.calls.Add(1)
	if err := f.fn(ctx, req); err != nil {
		return nil, err
	}
	return &pipeline.RunResult{DatasetID: req.DatasetID, Status: model.StatusDone}, nil
}

func fastRetry() RetryOptions {
	return RetryOptions{MaxRetries: 3, RetryDelay: time.Millisecond}
}

func TestLocal_RunsJob(t *testing.T) {
	var got pipeline.RunRequest
	r := &funcRunner{fn: func(_ context.Context, req pipeline.RunRequest) error {
		got = req
		return nil
	}}
	l := NewLocal(r, LocalOptions{Concurrency: 2, Retry: fastRetry()})

	handle, err := l.Dispatch(context.Background(), Job{DatasetID: "tweets", SourcePath: "uploads/tweets.csv", ResumeMarker: model.StatusCleaningDone})
	require.NoError(t, err)
	assert.Contains(t, handle, "local-")
	l.Wait()

	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, "tweets", got.DatasetID)
	assert.Equal(t, model.StatusCleaningDone, got.ResumeMarker)
	assert.Equal(t, 0, l.Active())
}

func TestLocal_RetriesRetryableFailures(t *testing.T) {
	r := &funcRunner{fn: func(context.Context, pipeline.RunRequest) error {
		return &model.FatalRunError{DatasetID: "d", Stage: model.StageAnnotate, Err: errors.New("endpoint down")}
	}}
	l := NewLocal(r, LocalOptions{Retry: fastRetry()})

	_, err := l.Dispatch(context.Background(), Job{DatasetID: "d"})
	require.NoError(t, err)
	l.Wait()
	assert.Equal(t, int32(4), r.calls.Load())
}

func TestLocal_SchemaErrorNotRetried(t *testing.T) {
	r := &funcRunner{fn: func(context.Context, pipeline.RunRequest) error {
		return &model.FatalRunError{DatasetID: "d", Stage: model.StageAnnotate, Err: &model.SchemaError{Column: "full_text"}}
	}}
	l := NewLocal(r, LocalOptions{Retry: fastRetry()})

	_, err := l.Dispatch(context.Background(), Job{DatasetID: "d"})
	require.NoError(t, err)
	l.Wait()
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestLocal_CancelStopsRun(t *testing.T) {
	started := make(chan struct{})
	r := &funcRunner{fn: func(ctx context.Context, _ pipeline.RunRequest) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	l := NewLocal(r, LocalOptions{Retry: fastRetry()})

	handle, err := l.Dispatch(context.Background(), Job{DatasetID: "d"})
	require.NoError(t, err)
	<-started
	require.NoError(t, l.Cancel(context.Background(), handle))
	l.Wait()

	assert.Equal(t, int32(1), r.calls.Load())
	assert.NoError(t, l.Cancel(context.Background(), handle))
}

func TestLocal_ConcurrencyBound(t *testing.T) {
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	r := &funcRunner{fn: func(context.Context, pipeline.RunRequest) error {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}}
	l := NewLocal(r, LocalOptions{Concurrency: 2, Retry: fastRetry()})

	for range 6 {
		_, err := l.Dispatch(context.Background(), Job{DatasetID: "d"})
		require.NoError(t, err)
	}
	l.Wait()
	assert.Equal(t, int32(6), r.calls.Load())
	assert.LessOrEqual(t, peak, 2)
}

func TestLocal_Shutdown(t *testing.T) {
	r := &funcRunner{fn: func(ctx context.Context, _ pipeline.RunRequest) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	l := NewLocal(r, LocalOptions{Retry: fastRetry()})
	_, err := l.Dispatch(context.Background(), Job{DatasetID: "d"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.Shutdown(ctx))
}

func TestRetryOptions_Defaults(t *testing.T) {
	o := RetryOptions{}.withDefaults()
	assert.Equal(t, DefaultMaxRetries, o.MaxRetries)
	assert.Equal(t, DefaultRetryDelay, o.RetryDelay)

	o = RetryOptions{MaxRetries: -1}.withDefaults()
	assert.Equal(t, 0, o.MaxRetries)
}
