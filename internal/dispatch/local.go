package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/datapipe/internal/pipeline"
	"github.com/sells-group/datapipe/internal/resilience"
)

// LocalOptions configures a Local dispatcher.
type LocalOptions struct {
	Concurrency int
	Retry       RetryOptions
}

// Local runs jobs on goroutines bounded by a weighted semaphore.
type Local struct {
	runner Runner
	sem    *semaphore.Weighted
	retry  RetryOptions

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewLocal creates an in-process dispatcher.
func NewLocal(runner Runner, opts LocalOptions) *Local {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	base, stop := context.WithCancel(context.Background())
	return &Local{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		retry:  opts.Retry.withDefaults(),
		base:   base,
		stop:   stop,
		active: make(map[string]context.CancelFunc),
	}
}

// Dispatch implements Dispatcher. The run starts once a slot is free.
func (l *Local) Dispatch(_ context.Context, job Job) (string, error) {
	handle := "local-" + uuid.NewString()
	ctx, cancel := context.WithCancel(l.base)

	l.mu.Lock()
	l.active[handle] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.forget(handle)
		l.execute(ctx, handle, job)
	}()
	return handle, nil
}

func (l *Local) execute(ctx context.Context, handle string, job Job) {
	log := zap.L().With(zap.String("dataset_id", job.DatasetID), zap.String("handle", handle))

	if err := l.sem.Acquire(ctx, 1); err != nil {
		log.Info("dispatch: run canceled before start")
		return
	}
	defer l.sem.Release(1)

	cfg := resilience.FixedDelay(l.retry.MaxRetries+1, l.retry.RetryDelay)
	cfg.ShouldRetry = pipeline.Retryable
	cfg.OnRetry = resilience.RetryLogger("dispatch", "run", zap.String("dataset_id", job.DatasetID))

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		_, err := l.runner.Run(ctx, job.Request())
		return err
	})
	if err != nil {
		log.Error("dispatch: run failed", zap.Error(err))
		return
	}
	log.Info("dispatch: run finished")
}

// Cancel implements Dispatcher. Unknown handles belong to finished runs or
// other processes and are ignored.
func (l *Local) Cancel(_ context.Context, handle string) error {
	l.mu.Lock()
	cancel, ok := l.active[handle]
	delete(l.active, handle)
	l.mu.Unlock()
	if !ok {
		zap.L().Debug("dispatch: cancel for unknown handle", zap.String("handle", handle))
		return nil
	}
	cancel()
	return nil
}

// Active returns the number of runs started and not yet finished.
func (l *Local) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Wait blocks until every dispatched run has returned.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Shutdown cancels every run and waits for them, or for ctx.
func (l *Local) Shutdown(ctx context.Context) error {
	l.stop()
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) forget(handle string) {
	l.mu.Lock()
	cancel, ok := l.active[handle]
	delete(l.active, handle)
	l.mu.Unlock()
	if ok {
		cancel()
	}
}
