package mappers

import (
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"github.com/tradelab/paramopt/internal/cancellation"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/strategy"
)

func JobToApi(job model.Job) api.Job {
	out := api.Job{
		Id:          job.ID,
		Status:      api.JobStatus(job.Status),
		QueueRef:    job.QueueRef,
		Strategy:    job.Strategy,
		Optimizer:   job.Optimizer,
		Iterations:  job.Iterations,
		Seed:        job.Seed,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		HeartbeatAt: job.HeartbeatAt,
		Error:       job.ErrorMessage,
	}
	if job.StatusNote != "" {
		out.StatusNote = &job.StatusNote
	}
	if job.Preset != "" {
		out.Preset = &job.Preset
	}
	if job.Regime != "" {
		out.Regime = &job.Regime
	}
	if job.Dataset != nil {
		d := job.Dataset.Data
		out.Dataset = api.DatasetSelector{Symbol: d.Symbol, Timeframe: d.Timeframe, Start: d.Start, End: d.End}
	}
	if job.ParameterSpace != nil {
		out.ParameterSpace = SpaceToApi(job.ParameterSpace.Data)
	}
	if job.WorkerID != "" {
		out.Worker = &api.Worker{Id: job.WorkerID, Pid: job.WorkerPID, Host: job.WorkerHost}
	}
	if job.BestParams != nil && job.BestScore != nil {
		res := &api.JobResult{
			BestParams:        job.BestParams.Data,
			BestScore:         *job.BestScore,
			Evaluations:       job.Evaluations,
			FailedEvaluations: job.FailedEvaluations,
			Seed:              job.UsedSeed,
		}
		if job.BestMetrics != nil {
			res.BestMetrics = job.BestMetrics.Data
		}
		out.Result = res
	}
	return out
}

func JobListToApi(jobs model.JobList) api.JobList {
	out := make(api.JobList, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobToApi(j))
	}
	return out
}

func JobEventsToApi(history []model.JobEvent) []api.JobEvent {
	out := make([]api.JobEvent, 0, len(history))
	for _, e := range history {
		out = append(out, api.JobEvent{
			From:      api.JobStatus(e.FromStatus),
			To:        api.JobStatus(e.ToStatus),
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

func ProgressToApi(p model.ProgressSnapshot) api.Progress {
	out := api.Progress{
		JobId:             p.JobID,
		OverallPercentage: p.OverallPercentage,
		StepName:          p.StepName,
		StepIndex:         p.StepIndex,
		TotalSteps:        p.TotalSteps,
		StepPercentage:    p.StepPercentage,
		Iteration:         p.Iteration,
		TotalIterations:   p.TotalIterations,
		BestScoreSoFar:    p.BestScoreSoFar,
		CurrentScore:      p.CurrentScore,
		UpdatedAt:         p.UpdatedAt,
		IsComplete:        p.IsComplete,
		Error:             p.ErrorMessage,
	}
	if p.BestParams != nil {
		out.BestParams = p.BestParams.Data
	}
	return out
}

func SweepReportToApi(r *reconcile.Report) api.SweepResult {
	out := api.SweepResult{
		SyncedCompleted: r.SyncedCompleted,
		SyncedFailed:    r.SyncedFailed,
		Orphaned:        r.Orphaned,
		Inspected:       r.Inspected,
	}
	for _, err := range r.Errors {
		out.Errors = append(out.Errors, err.Error())
	}
	return out
}

func CancelResultToApi(r *cancellation.Result) api.CancelResult {
	out := api.CancelResult{
		JobId:             r.JobID,
		QueueSignalled:    r.QueueSignalled,
		ProcessTerminated: r.ProcessTerminated,
		Pid:               r.PID,
		PoolRestarted:     r.PoolRestarted,
		Status:            api.JobStatus(r.Status),
	}
	if r.Sweep != nil {
		sweep := SweepReportToApi(r.Sweep)
		out.Sweep = &sweep
	}
	return out
}

func SpaceToApi(s optimizer.ParameterSpace) api.ParameterSpace {
	out := api.ParameterSpace{Parameters: make([]api.Parameter, 0, len(s.Parameters))}
	for _, p := range s.Parameters {
		out.Parameters = append(out.Parameters, api.Parameter{
			Name:   p.Name,
			Kind:   string(p.Kind),
			Values: p.Values,
			Min:    p.Min,
			Max:    p.Max,
			Step:   p.Step,
			Log:    p.Log,
		})
	}
	return out
}

func PresetsToApi(presets []strategy.Preset) api.PresetList {
	out := make(api.PresetList, 0, len(presets))
	for _, p := range presets {
		out = append(out, api.Preset{
			Name:           p.Name,
			Strategy:       p.Strategy,
			Description:    p.Description,
			ParameterSpace: SpaceToApi(p.Space),
		})
	}
	return out
}
