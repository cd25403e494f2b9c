// Package dispatch hands pipeline runs to a worker runtime: an in-process
// pool or Temporal workers.
package dispatch

import (
	"context"
	"time"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/pipeline"
)

// Defaults for the outer retry around a whole run.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 60 * time.Second
)

// Job is one run to dispatch.
type Job struct {
	DatasetID    string         `json:"dataset_id"`
	SourcePath   string         `json:"source_path"`
	AIConfig     model.AIConfig `json:"ai_config"`
	ResumeMarker model.Status   `json:"resume_marker,omitempty"`
}

// Request converts the job to a pipeline run request.
func (j Job) Request() pipeline.RunRequest {
	return pipeline.RunRequest{
		DatasetID:    j.DatasetID,
		SourcePath:   j.SourcePath,
		AIConfig:     j.AIConfig,
		ResumeMarker: j.ResumeMarker,
	}
}

// Dispatcher starts and cancels runs. The handle returned by Dispatch is
// persisted on the Task Record so any process can cancel the run.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) (handle string, err error)
	Cancel(ctx context.Context, handle string) error
}

// Runner executes one run.
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error)
}

// RetryOptions bounds the outer retry.
type RetryOptions struct {
	MaxRetries int
	RetryDelay time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	return o
}
