// Package steps maps a recorded status marker to the stages still to run.
package steps

import "github.com/sells-group/datapipe/internal/model"

// Plan is the outcome of resolving a resume marker.
type Plan struct {
	// Start is the canonical marker the run begins at. It is StatusDone when
	// nothing is left to run.
	Start  model.Status
	Stages []model.Stage
}

// Empty reports whether there is nothing left to run.
func (p Plan) Empty() bool {
	return len(p.Stages) == 0
}

// aliases rewrites completion and progress markers to the start marker of
// the stage that should run next.
var aliases = map[model.Status]model.Status{
	model.StatusAdded:              model.StatusReading,
	model.StatusInQueue:            model.StatusReading,
	model.StatusReadingDone:        model.StatusCleaning,
	model.StatusCleaningDone:       model.StatusAnnotating,
	model.StatusAnnotatingProgress: model.StatusAnnotating,
	model.StatusAnnotatingDone:     model.StatusAugmenting,
	model.StatusAugmentingDone:     model.StatusPersisting,
	model.StatusPersistingDone:     model.StatusDone,
}

var startIndex = map[model.Status]int{
	model.StatusReading:    0,
	model.StatusCleaning:   1,
	model.StatusAnnotating: 2,
	model.StatusAugmenting: 3,
	model.StatusPersisting: 4,
	model.StatusDone:       len(model.Stages),
}

// Canonical returns the start marker a raw marker resolves to. Unknown or
// unset markers resolve to the first stage.
func Canonical(marker model.Status) model.Status {
	marker = model.ParseStatus(string(marker))
	if alias, ok := aliases[marker]; ok {
		marker = alias
	}
	if _, ok := startIndex[marker]; !ok {
		return model.StatusReading
	}
	return marker
}

// Resolve returns the ordered suffix of model.Stages that remains to run for
// marker. A bare stage marker re-runs that stage.
func Resolve(marker model.Status) Plan {
	start := Canonical(marker)
	idx := startIndex[start]
	stages := make([]model.Stage, len(model.Stages)-idx)
	copy(stages, model.Stages[idx:])
	return Plan{Start: start, Stages: stages}
}
