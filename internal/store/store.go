// Package store persists Task Records and their event log.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapipe/internal/model"
)

var (
	// ErrNotFound is returned when no Task Record exists for an id.
	ErrNotFound = errors.New("task not found")
	// ErrStatusConflict is returned when a compare-and-swap status write
	// finds a different current status than expected.
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status model.Status `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// Store defines the persistence interface for Task Records.
type Store interface {
	// CreateTask inserts the record if no task with the same id exists. The
	// stored record is returned either way; created reports which happened.
	CreateTask(ctx context.Context, task model.Task) (stored *model.Task, created bool, err error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]model.Task, error)

	// UpdateStatus moves the task from status `from` to `to` and fails with
	// ErrStatusConflict when the current status is not `from`.
	UpdateStatus(ctx context.Context, id string, from, to model.Status) error
	// ResetStatus sets the status unconditionally. Used by explicit control
	// actions (retry-from-step, halts, resume).
	ResetStatus(ctx context.Context, id string, to model.Status) error

	UpdateSource(ctx context.Context, id, filePath string, cfg *model.AIConfig) error
	SetArtifact(ctx context.Context, id string, kind model.ArtifactKind, ref model.FileRef) error
	SetRunHandle(ctx context.Context, id, handle string) error

	// Event log
	AppendEvent(ctx context.Context, ev model.Event) error
	ListEvents(ctx context.Context, datasetID string, limit int) ([]model.Event, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// artifactColumn maps an artifact kind to its Task Record column.
func artifactColumn(kind model.ArtifactKind) (string, error) {
	switch kind {
	case model.ArtifactCleaned:
		return "file_cleaned", nil
	case model.ArtifactAnalysed:
		return "file_analysed", nil
	default:
		return "", eris.Errorf("store: unknown artifact kind %q", kind)
	}
}

// resumeValue returns the resume marker to record for a status write, or
// nil when the existing marker must be kept.
func resumeValue(to model.Status) any {
	if to.IsStageMarker() {
		return string(to)
	}
	return nil
}

func marshalNullable(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeTaskJSON(t *model.Task, aiConfig, cleaned, analysed []byte) error {
	if len(aiConfig) > 0 {
		t.AIConfig = &model.AIConfig{}
		if err := json.Unmarshal(aiConfig, t.AIConfig); err != nil {
			return eris.Wrap(err, "store: unmarshal ai config")
		}
	}
	if len(cleaned) > 0 {
		t.FileCleaned = &model.FileRef{}
		if err := json.Unmarshal(cleaned, t.FileCleaned); err != nil {
			return eris.Wrap(err, "store: unmarshal file_cleaned")
		}
	}
	if len(analysed) > 0 {
		t.FileAnalysed = &model.FileRef{}
		if err := json.Unmarshal(analysed, t.FileAnalysed); err != nil {
			return eris.Wrap(err, "store: unmarshal file_analysed")
		}
	}
	return nil
}

func eventPayload(ev model.Event) ([]byte, error) {
	if len(ev.Payload) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(ev.Payload)
	return b, eris.Wrap(err, "store: marshal event payload")
}

func decodeEvent(datasetID, name string, payload []byte, ev *model.Event) error {
	ev.DatasetID = datasetID
	ev.Name = model.Status(name)
	if len(payload) == 0 {
		return nil
	}
	var p map[string]any
	if err := json.Unmarshal(payload, &p); err != nil {
		return eris.Wrap(err, "store: unmarshal event payload")
	}
	if len(p) > 0 {
		ev.Payload = p
	}
	return nil
}
