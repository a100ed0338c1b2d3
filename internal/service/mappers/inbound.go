package mappers

import (
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/store/model"
)

// JobForm is a submission after transport decoding and before the service
// resolved its search space.
type JobForm struct {
	Strategy   string
	Dataset    model.DatasetSelector
	Optimizer  string
	Iterations int
	Seed       *int64
	Space      *optimizer.ParameterSpace
	Preset     string
	Regime     string
}

// ToJob builds the queued record for f with its resolved space.
func (f JobForm) ToJob(space optimizer.ParameterSpace) model.Job {
	iterations := f.Iterations
	if f.Optimizer == optimizer.NameExhaustive {
		iterations = 0
	}
	return model.Job{
		Status:         model.JobStatusQueued,
		Strategy:       f.Strategy,
		Dataset:        model.MakeJSONField(f.Dataset),
		Optimizer:      f.Optimizer,
		Iterations:     iterations,
		Seed:           f.Seed,
		Preset:         f.Preset,
		ParameterSpace: model.MakeJSONField(space),
		Regime:         f.Regime,
	}
}

// ListFilter narrows job listings. Zero values match everything.
type ListFilter struct {
	Status   []model.JobStatus
	Strategy string
	Limit    int
}
