package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"process_cleaning_done", StatusCleaningDone},
		{"  Sending_To_LLM ", StatusAnnotating},
		{"appending_collumns", StatusAugmenting},
		{"appending_collumns_done", StatusAugmentingDone},
		{"something_else", Status("something_else")},
		{"", Status("")},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStatus(tt.raw))
		})
	}
}

func TestStatus_Classification(t *testing.T) {
	assert.True(t, StatusPaused.IsHalt())
	assert.True(t, StatusError.IsHalt())
	assert.True(t, StatusStopped.IsHalt())
	assert.False(t, StatusDone.IsHalt())

	assert.True(t, StatusAnnotatingProgress.IsStageMarker())
	assert.True(t, StatusAdded.IsStageMarker())
	assert.False(t, StatusPaused.IsStageMarker())
	assert.False(t, Status("bogus").IsStageMarker())
}

func TestStage_Markers(t *testing.T) {
	assert.Equal(t, StatusReading, StageIngest.StartMarker())
	assert.Equal(t, StatusReadingDone, StageIngest.DoneMarker())
	assert.Equal(t, StatusAnnotatingDone, StageAnnotate.DoneMarker())
	assert.Equal(t, StatusPersisting, StagePersist.StartMarker())
	assert.Equal(t, 2, StageAnnotate.Index())
	assert.Equal(t, -1, Stage("nope").Index())
}

func TestTask_ResumePointStatusFallback(t *testing.T) {
	task := Task{Status: StatusPaused, ResumeMarker: StatusCleaningDone}
	assert.Equal(t, StatusCleaningDone, task.ResumePoint())

	task.Status = StatusAnnotating
	assert.Equal(t, StatusAnnotating, task.ResumePoint())
}

func TestDatasetIDFromPathExamples(t *testing.T) {
	id, err := DatasetIDFromPath("uploads/3f2a9c.csv")
	assert.NoError(t, err)
	assert.Equal(t, "3f2a9c", id)

	id, err = DatasetIDFromPath("/data/tweets.march.xlsx")
	assert.NoError(t, err)
	assert.Equal(t, "tweets.march", id)

	_, err = DatasetIDFromPath("  ")
	assert.Error(t, err)
}
