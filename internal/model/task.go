package model

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SystemActor is recorded as updated_by for writes made by the pipeline.
const SystemActor = "system"

// Content types recorded on artifact pointers.
const (
	ContentTypeCSV  = "text/csv"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// ArtifactKind names a durable snapshot directory.
type ArtifactKind string

const (
	ArtifactCleaned  ArtifactKind = "cleaned"
	ArtifactAnalysed ArtifactKind = "analysed"
)

// FileRef points at a snapshot relative to the storage root.
type FileRef struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// Task is the per-dataset record tracking pipeline progress.
type Task struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	ResumeMarker Status    `json:"resume_marker,omitempty"`
	FilePath     string    `json:"file_path"`
	AIConfig     *AIConfig `json:"ai_config,omitempty"`
	FileCleaned  *FileRef  `json:"file_cleaned,omitempty"`
	FileAnalysed *FileRef  `json:"file_analysed,omitempty"`
	RunHandle    string    `json:"run_handle,omitempty"`
	Version      int64     `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	UpdatedBy    string    `json:"updated_by"`
}

// ResumePoint returns the marker a re-dispatched run should start from.
func (t *Task) ResumePoint() Status {
	if t.Status.IsHalt() {
		return t.ResumeMarker
	}
	return t.Status
}

// DatasetIDFromPath derives the dataset identifier from an upload path: the
// base name without its extension.
func DatasetIDFromPath(path string) (string, error) {
	base := filepath.Base(strings.TrimSpace(path))
	id := strings.TrimSuffix(base, filepath.Ext(base))
	if id == "" || id == "." || id == string(filepath.Separator) {
		return "", eris.Errorf("model: cannot derive dataset id from path %q", path)
	}
	return id, nil
}
