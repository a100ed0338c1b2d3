package v1alpha1

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tradelab/paramopt/internal/handlers/v1alpha1/mappers"
	"github.com/tradelab/paramopt/pkg/log"
)

// (POST /api/v1/sweeps)
func (h *ServiceHandler) CreateSweep(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("sweep_handler").WithContext(r.Context()).Operation("sweep").Build()

	report, err := h.jobSrv.Sweep(r.Context())
	if err != nil {
		logger.Error(err).Log()
		respondError(w, r, http.StatusInternalServerError, fmt.Sprintf("failed to sweep: %v", err))
		return
	}

	logger.Success().WithInt("repaired", report.Repaired()).Log()
	render.JSON(w, r, mappers.SweepReportToApi(report))
}

// (GET /api/v1/presets)
func (h *ServiceHandler) ListPresets(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, mappers.PresetsToApi(h.jobSrv.Presets()))
}
