package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/pipeline"
)

// Temporal names.
const (
	DefaultTaskQueue    = "datapipe"
	WorkflowName        = "DatasetPipeline"
	ActivityRunPipeline = "RunPipeline"
	NonRetryableType    = "NonRetryableRunError"
	workflowIDPrefix    = "datapipe-"
	defaultRunTimeout   = 6 * time.Hour
	defaultHeartbeat    = 30 * time.Second
)

// WorkflowID returns the workflow id used for a dataset.
func WorkflowID(datasetID string) string {
	return workflowIDPrefix + datasetID
}

// WorkflowInput is the argument of the pipeline workflow.
type WorkflowInput struct {
	Job        Job           `json:"job"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
	Timeout    time.Duration `json:"timeout"`
}

// RunOutput is the activity and workflow result.
type RunOutput struct {
	Status   model.Status `json:"status"`
	Rows     int          `json:"rows"`
	ModelUID string       `json:"model_uid,omitempty"`
}

// PipelineWorkflow runs the pipeline activity with the bounded outer retry.
// Deterministic failures are marked non-retryable by the activity.
func PipelineWorkflow(ctx workflow.Context, in WorkflowInput) (*RunOutput, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    2 * defaultHeartbeat,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        in.RetryDelay,
			BackoffCoefficient:     1.0,
			MaximumInterval:        in.RetryDelay,
			MaximumAttempts:        int32(in.MaxRetries + 1),
			NonRetryableErrorTypes: []string{NonRetryableType},
		},
	})

	var out RunOutput
	if err := workflow.ExecuteActivity(ctx, ActivityRunPipeline, in.Job).Get(ctx, &out); err != nil {
		workflow.GetLogger(ctx).Error("pipeline activity failed", "dataset_id", in.Job.DatasetID, "error", err)
		return nil, err
	}
	return &out, nil
}

// Activities hosts the pipeline activity on a worker.
type Activities struct {
	runner    Runner
	heartbeat time.Duration
}

// NewActivities creates the activity set for runner.
func NewActivities(runner Runner) *Activities {
	return &Activities{runner: runner, heartbeat: defaultHeartbeat}
}

// RunPipeline executes one run. Heartbeats let a terminated workflow cancel
// the run through ctx.
func (a *Activities) RunPipeline(ctx context.Context, job Job) (*RunOutput, error) {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		t := time.NewTicker(a.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				activity.RecordHeartbeat(ctx, job.DatasetID)
			}
		}
	}()

	res, err := a.runner.Run(ctx, job.Request())
	if err != nil {
		if !pipeline.Retryable(err) {
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), NonRetryableType, err)
		}
		return nil, err
	}
	return &RunOutput{Status: res.Status, Rows: res.Rows, ModelUID: res.ModelUID}, nil
}

// NewWorker registers the workflow and activity on a task queue worker.
func NewWorker(c client.Client, taskQueue string, acts *Activities, concurrency int) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
	})
	w.RegisterWorkflowWithOptions(PipelineWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	w.RegisterActivityWithOptions(acts.RunPipeline, activity.RegisterOptions{Name: ActivityRunPipeline})
	return w
}

// TemporalOptions configures a Temporal dispatcher.
type TemporalOptions struct {
	TaskQueue string
	Retry     RetryOptions
	Timeout   time.Duration
}

// Temporal starts one workflow per dataset.
type Temporal struct {
	client client.Client
	opts   TemporalOptions
}

// NewTemporal creates a dispatcher backed by c.
func NewTemporal(c client.Client, opts TemporalOptions) *Temporal {
	if opts.TaskQueue == "" {
		opts.TaskQueue = DefaultTaskQueue
	}
	opts.Retry = opts.Retry.withDefaults()
	return &Temporal{client: c, opts: opts}
}

// Dispatch implements Dispatcher. A workflow already running for the
// dataset is reused.
func (t *Temporal) Dispatch(ctx context.Context, job Job) (string, error) {
	run, err := t.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       WorkflowID(job.DatasetID),
		TaskQueue:                t.opts.TaskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, WorkflowName, WorkflowInput{
		Job:        job,
		MaxRetries: t.opts.Retry.MaxRetries,
		RetryDelay: t.opts.Retry.RetryDelay,
		Timeout:    t.opts.Timeout,
	})
	if err != nil {
		return "", eris.Wrapf(err, "dispatch: start workflow for %s", job.DatasetID)
	}
	zap.L().Info("dispatch: workflow started",
		zap.String("dataset_id", job.DatasetID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run.GetID(), nil
}

// Cancel implements Dispatcher by terminating the workflow. A workflow that
// already finished is not an error.
func (t *Temporal) Cancel(ctx context.Context, handle string) error {
	err := t.client.TerminateWorkflow(ctx, handle, "", "canceled by control action")
	var notFound *serviceerror.NotFound
	if err == nil || errors.As(err, &notFound) {
		return nil
	}
	return eris.Wrapf(err, "dispatch: terminate workflow %s", handle)
}

// Dial connects a Temporal client.
func Dial(hostPort, namespace string) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: dial temporal %s", hostPort)
	}
	return c, nil
}
