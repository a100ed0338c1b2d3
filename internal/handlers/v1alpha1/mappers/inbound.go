package mappers

import (
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/service/mappers"
	"github.com/tradelab/paramopt/internal/store/model"
)

func JobFormFromApi(body api.JobCreate) mappers.JobForm {
	form := mappers.JobForm{
		Strategy: body.Strategy,
		Dataset: model.DatasetSelector{
			Symbol:    body.Dataset.Symbol,
			Timeframe: body.Dataset.Timeframe,
			Start:     body.Dataset.Start,
			End:       body.Dataset.End,
		},
		Optimizer:  body.Optimizer,
		Iterations: body.Iterations,
		Seed:       body.Seed,
	}
	if body.ParameterSpace != nil {
		space := SpaceFromApi(*body.ParameterSpace)
		form.Space = &space
	}
	if body.Preset != nil {
		form.Preset = *body.Preset
	}
	if body.Regime != nil {
		form.Regime = *body.Regime
	}
	return form
}

func SpaceFromApi(s api.ParameterSpace) optimizer.ParameterSpace {
	out := optimizer.ParameterSpace{Parameters: make([]optimizer.Parameter, 0, len(s.Parameters))}
	for _, p := range s.Parameters {
		out.Parameters = append(out.Parameters, optimizer.Parameter{
			Name:   p.Name,
			Kind:   optimizer.Kind(p.Kind),
			Values: p.Values,
			Min:    p.Min,
			Max:    p.Max,
			Step:   p.Step,
			Log:    p.Log,
		})
	}
	return out
}
