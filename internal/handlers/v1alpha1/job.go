package v1alpha1

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"github.com/tradelab/paramopt/internal/handlers/v1alpha1/mappers"
	"github.com/tradelab/paramopt/internal/handlers/validator"
	"github.com/tradelab/paramopt/internal/service"
	serviceMappers "github.com/tradelab/paramopt/internal/service/mappers"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/pkg/log"
)

// (POST /api/v1/jobs)
func (h *ServiceHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("create_job").Build()

	var body api.JobCreate
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		logger.Error(err).Log()
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("failed to decode body: %v", err))
		return
	}
	if err := h.validator.Struct(body); err != nil {
		logger.Error(err).Log()
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobSrv.Submit(r.Context(), mappers.JobFormFromApi(body))
	if err != nil {
		logger.Error(err).Log()
		switch err.(type) {
		case *service.ErrInvalidJob:
			respondError(w, r, http.StatusBadRequest, err.Error())
		case *service.ErrEnqueueFailed:
			respondError(w, r, http.StatusServiceUnavailable, err.Error())
		default:
			respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to create job: %v", err))
		}
		return
	}

	logger.Success().WithUUID("job_id", job.ID).Log()
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, api.JobCreated{Id: job.ID, Status: api.JobStatus(job.Status)})
}

// (GET /api/v1/jobs)
func (h *ServiceHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("list_jobs").Build()

	filter, err := listFilter(r)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.jobSrv.List(r.Context(), filter)
	if err != nil {
		logger.Error(err).Log()
		respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to list jobs: %v", err))
		return
	}

	logger.Success().WithInt("count", len(jobs)).Log()
	render.JSON(w, r, mappers.JobListToApi(jobs))
}

func listFilter(r *http.Request) (serviceMappers.ListFilter, error) {
	var filter serviceMappers.ListFilter
	query := r.URL.Query()
	for _, raw := range query["status"] {
		for _, s := range strings.Split(raw, ",") {
			status := model.JobStatus(strings.TrimSpace(s))
			switch status {
			case model.JobStatusQueued, model.JobStatusRunning, model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
				filter.Status = append(filter.Status, status)
			default:
				return filter, validator.NewErrInvalidRequest("unknown status %q", s)
			}
		}
	}
	filter.Strategy = query.Get("strategy")
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, validator.NewErrInvalidRequest("invalid limit %q", raw)
		}
		filter.Limit = limit
	}
	return filter, nil
}

// (GET /api/v1/jobs/{id})
func (h *ServiceHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("get_job").WithUUID("job_id", id).Build()

	job, err := h.jobSrv.Get(r.Context(), id)
	if err != nil {
		logger.Error(err).Log()
		switch err.(type) {
		case *service.ErrResourceNotFound:
			respondError(w, r, http.StatusNotFound, err.Error())
		default:
			respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to get job: %v", err))
		}
		return
	}

	logger.Success().Log()
	render.JSON(w, r, mappers.JobToApi(*job))
}

// (GET /api/v1/jobs/{id}/events)
func (h *ServiceHandler) ListJobEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	history, err := h.jobSrv.Events(r.Context(), id)
	if err != nil {
		switch err.(type) {
		case *service.ErrResourceNotFound:
			respondError(w, r, http.StatusNotFound, err.Error())
		default:
			respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to list job events: %v", err))
		}
		return
	}
	render.JSON(w, r, mappers.JobEventsToApi(history))
}

// (GET /api/v1/jobs/{id}/progress)
func (h *ServiceHandler) GetJobProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	snap, err := h.jobSrv.Progress(r.Context(), id)
	if err != nil {
		switch err.(type) {
		case *service.ErrResourceNotFound, *service.ErrProgressNotFound:
			respondError(w, r, http.StatusNotFound, err.Error())
		default:
			respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to get progress: %v", err))
		}
		return
	}
	render.JSON(w, r, mappers.ProgressToApi(*snap))
}

// (POST /api/v1/jobs/{id}/cancel)
func (h *ServiceHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	logger := log.NewDebugLogger("job_handler").WithContext(r.Context()).Operation("cancel_job").WithUUID("job_id", id).Build()

	res, err := h.jobSrv.Cancel(r.Context(), id)
	if err != nil {
		logger.Error(err).Log()
		var (
			notFound *service.ErrResourceNotFound
			finished *service.ErrJobAlreadyFinished
		)
		switch {
		case errors.As(err, &notFound):
			respondError(w, r, http.StatusNotFound, err.Error())
		case errors.As(err, &finished):
			respondError(w, r, http.StatusConflict, err.Error())
		default:
			respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to cancel job: %v", err))
		}
		return
	}

	logger.Success().WithBool("process_terminated", res.ProcessTerminated).Log()
	render.JSON(w, r, mappers.CancelResultToApi(res))
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid job id %q", raw))
		return uuid.Nil, false
	}
	return id, true
}
