package v1alpha1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"github.com/tradelab/paramopt/internal/handlers/validator"
	"github.com/tradelab/paramopt/internal/service"
	"github.com/tradelab/paramopt/pkg/requestid"
)

type ServiceHandler struct {
	jobSrv    *service.JobService
	validator *validator.Validator
}

func NewServiceHandler(jobService *service.JobService) *ServiceHandler {
	v := validator.NewValidator()
	v.Register(validator.NewJobValidationRules()...)
	return &ServiceHandler{
		jobSrv:    jobService,
		validator: v,
	}
}

// Routes mounts the /api/v1 endpoints on r.
func (h *ServiceHandler) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/", h.ListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Get("/events", h.ListJobEvents)
			r.Get("/progress", h.GetJobProgress)
			r.Post("/cancel", h.CancelJob)
		})
	})
	r.Post("/sweeps", h.CreateSweep)
	r.Get("/presets", h.ListPresets)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	var reqID *string
	if id := requestid.FromRequest(r); id != "" {
		reqID = &id
	}
	render.Status(r, status)
	render.JSON(w, r, api.Error{Message: message, RequestId: reqID})
}
