package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
)

type schedulesHandler struct {
	st  *store.Store
	log zerolog.Logger
}

// list returns every schedule, system-managed ones included.
// GET /api/schedules
func (h *schedulesHandler) list(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.st.ListSchedules(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list schedules")
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

type createScheduleRequest struct {
	Name              string         `json:"name"`
	Enabled           bool           `json:"enabled"`
	Scope             store.JobScope `json:"scope"`
	TenantKey         string         `json:"tenant_key"`
	CronExpr          string         `json:"cron_expr"`
	TimezoneName      string         `json:"timezone_name"`
	TargetDateMode    string         `json:"target_date_mode"`
	Parallel          int            `json:"parallel"`
	StaggerSeconds    int            `json:"stagger_seconds"`
	ContinueOnFailure bool           `json:"continue_on_failure"`
}

// create defines a new schedule; next_fire_at is left unset for the
// Scheduler's seeding step to compute on its next tick.
// POST /api/schedules
func (h *schedulesHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.CronExpr == "" {
		writeError(w, http.StatusBadRequest, "name and cron_expr are required")
		return
	}
	if req.TimezoneName == "" {
		req.TimezoneName = "UTC"
	}
	if req.Scope == "" {
		req.Scope = store.ScopeAll
	}

	sch, err := h.st.InsertSchedule(r.Context(), store.InsertScheduleParams{
		Name:              req.Name,
		Enabled:           req.Enabled,
		Scope:             req.Scope,
		TenantKey:         req.TenantKey,
		CronExpr:          req.CronExpr,
		TimezoneName:      req.TimezoneName,
		TargetDateMode:    req.TargetDateMode,
		Parallel:          req.Parallel,
		StaggerSeconds:    req.StaggerSeconds,
		ContinueOnFailure: req.ContinueOnFailure,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to insert schedule")
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

// delete removes a schedule. DELETE /api/schedules/{id}
func (h *schedulesHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.st.DeleteSchedule(r.Context(), id); err != nil {
		h.log.Error().Err(err).Str("schedule_id", id).Msg("failed to delete schedule")
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
