package steps

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/datapipe/internal/model"
)

var full = []model.Stage{
	model.StageIngest, model.StageClean, model.StageAnnotate, model.StageAugment, model.StagePersist,
}

func TestResolve(t *testing.T) {
	tests := []struct {
		marker    model.Status
		wantStart model.Status
		want      []model.Stage
	}{
		{"", model.StatusReading, full},
		{model.StatusAdded, model.StatusReading, full},
		{model.StatusInQueue, model.StatusReading, full},
		{model.StatusReading, model.StatusReading, full},
		{model.StatusReadingDone, model.StatusCleaning, full[1:]},
		{model.StatusCleaning, model.StatusCleaning, full[1:]},
		{model.StatusCleaningDone, model.StatusAnnotating, full[2:]},
		{model.StatusAnnotating, model.StatusAnnotating, full[2:]},
		{model.StatusAnnotatingProgress, model.StatusAnnotating, full[2:]},
		{model.StatusAnnotatingDone, model.StatusAugmenting, full[3:]},
		{"appending_collumns", model.StatusAugmenting, full[3:]},
		{"appending_collumns_done", model.StatusPersisting, full[4:]},
		{model.StatusPersisting, model.StatusPersisting, full[4:]},
		{model.StatusPersistingDone, model.StatusDone, []model.Stage{}},
		{model.StatusDone, model.StatusDone, []model.Stage{}},
		{model.StatusPaused, model.StatusReading, full},
		{model.StatusError, model.StatusReading, full},
		{"definitely_not_a_stage", model.StatusReading, full},
	}

	for _, tt := range tests {
		t.Run(string(tt.marker), func(t *testing.T) {
			plan := Resolve(tt.marker)
			assert.Equal(t, tt.wantStart, plan.Start)
			assert.Equal(t, tt.want, plan.Stages)
		})
	}
}

func TestResolve_AlwaysSuffixOfCanonicalOrder(t *testing.T) {
	markers := []model.Status{
		"", "queued", "garbage",
		model.StatusAdded, model.StatusInQueue,
		model.StatusReading, model.StatusReadingDone,
		model.StatusCleaning, model.StatusCleaningDone,
		model.StatusAnnotating, model.StatusAnnotatingProgress, model.StatusAnnotatingDone,
		model.StatusAugmenting, model.StatusAugmentingDone,
		model.StatusPersisting, model.StatusPersistingDone,
		model.StatusDone, model.StatusError, model.StatusPaused, model.StatusStopped,
	}

	for _, m := range markers {
		plan := Resolve(m)
		offset := len(full) - len(plan.Stages)
		assert.GreaterOrEqual(t, offset, 0, "marker %q", m)
		assert.Equal(t, full[offset:], plan.Stages, "marker %q", m)
	}
}

func TestResolve_DoesNotAliasSharedSlice(t *testing.T) {
	plan := Resolve(model.StatusAdded)
	plan.Stages[0] = model.StagePersist
	assert.Equal(t, model.StageIngest, model.Stages[0])
}

func TestPlan_Empty(t *testing.T) {
	assert.True(t, Resolve(model.StatusDone).Empty())
	assert.False(t, Resolve(model.StatusPersisting).Empty())
}
