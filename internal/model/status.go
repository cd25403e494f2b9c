package model

import "strings"

// Status is the marker stored on a Task Record. Values are wire-compatible
// with the upload service and the event consumers.
type Status string

const (
	StatusAdded              Status = "added"
	StatusInQueue            Status = "in_queue"
	StatusReading            Status = "reading_dataset"
	StatusReadingDone        Status = "reading_dataset_done"
	StatusCleaning           Status = "process_cleaning"
	StatusCleaningDone       Status = "process_cleaning_done"
	StatusAnnotating         Status = "sending_to_llm"
	StatusAnnotatingProgress Status = "sending_to_llm_progression"
	StatusAnnotatingDone     Status = "sending_to_llm_done"
	StatusAugmenting         Status = "appending_columns"
	StatusAugmentingDone     Status = "appending_columns_done"
	StatusPersisting         Status = "saving_file"
	StatusPersistingDone     Status = "saving_file_done"
	StatusDone               Status = "done"
	StatusError              Status = "on_error"
	StatusPaused             Status = "paused"
	StatusStopped            Status = "stopped"
)

// legacyStatuses maps historical spellings still emitted by older clients.
var legacyStatuses = map[string]Status{
	"appending_collumns":      StatusAugmenting,
	"appending_collumns_done": StatusAugmentingDone,
}

var knownStatuses = map[Status]bool{
	StatusAdded: true, StatusInQueue: true,
	StatusReading: true, StatusReadingDone: true,
	StatusCleaning: true, StatusCleaningDone: true,
	StatusAnnotating: true, StatusAnnotatingProgress: true, StatusAnnotatingDone: true,
	StatusAugmenting: true, StatusAugmentingDone: true,
	StatusPersisting: true, StatusPersistingDone: true,
	StatusDone: true, StatusError: true, StatusPaused: true, StatusStopped: true,
}

// ParseStatus normalises a raw marker: it trims, lowercases and maps legacy
// spellings. Unknown values are returned as-is so callers can fail safe.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if legacy, ok := legacyStatuses[s]; ok {
		return legacy
	}
	return Status(s)
}

// Known reports whether s is one of the canonical markers.
func (s Status) Known() bool {
	return knownStatuses[s]
}

// IsHalt reports whether s was written by an error or a control action
// rather than by stage progress.
func (s Status) IsHalt() bool {
	return s == StatusError || s == StatusPaused || s == StatusStopped
}

// IsStageMarker reports whether s records pipeline progress and therefore
// qualifies as a resume point.
func (s Status) IsStageMarker() bool {
	return s.Known() && !s.IsHalt()
}

// Stage is one of the five pipeline steps.
type Stage string

const (
	StageIngest   Stage = "ingest"
	StageClean    Stage = "clean"
	StageAnnotate Stage = "annotate"
	StageAugment  Stage = "augment"
	StagePersist  Stage = "persist"
)

// Stages is the canonical stage order.
var Stages = []Stage{StageIngest, StageClean, StageAnnotate, StageAugment, StagePersist}

var stageMarkers = map[Stage][2]Status{
	StageIngest:   {StatusReading, StatusReadingDone},
	StageClean:    {StatusCleaning, StatusCleaningDone},
	StageAnnotate: {StatusAnnotating, StatusAnnotatingDone},
	StageAugment:  {StatusAugmenting, StatusAugmentingDone},
	StagePersist:  {StatusPersisting, StatusPersistingDone},
}

// StartMarker is the status written when the stage begins.
func (s Stage) StartMarker() Status {
	return stageMarkers[s][0]
}

// DoneMarker is the status written when the stage completes.
func (s Stage) DoneMarker() Status {
	return stageMarkers[s][1]
}

// Index returns the position of s in Stages, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}
