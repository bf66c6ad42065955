package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opsportal/orchestrator/internal/dispatcher"
	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/logtail"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type jobsHandler struct {
	st     *store.Store
	disp   *dispatcher.Dispatcher
	tailer *logtail.Tailer
	bus    *events.Bus
	log    zerolog.Logger
}

// createJobRequest mirrors store.InsertJobParams but exposes only the
// fields a caller is allowed to set; Status/ID/timestamps are the Store's.
type createJobRequest struct {
	Scope             store.JobScope `json:"scope"`
	TenantKey         string         `json:"tenant_key"`
	TargetDate        string         `json:"target_date"`
	FromDate          string         `json:"from_date"`
	ToDate            string         `json:"to_date"`
	SkipDownload      bool           `json:"skip_download"`
	Parallel          int            `json:"parallel"`
	StaggerSeconds    int            `json:"stagger_seconds"`
	ContinueOnFailure bool           `json:"continue_on_failure"`
	Sync              bool           `json:"sync"`
}

// create enqueues a job and, unless the caller asked for synchronous
// dispatch, returns immediately. POST /api/jobs
func (h *jobsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Scope == "" {
		req.Scope = store.ScopeAll
	}
	if req.Scope == store.ScopeSingle && req.TenantKey == "" {
		writeError(w, http.StatusBadRequest, "tenant_key is required for scope=single")
		return
	}

	hasSingleDate := req.TargetDate != ""
	hasRange := req.FromDate != "" || req.ToDate != ""
	if hasSingleDate && hasRange {
		writeError(w, http.StatusBadRequest, "target_date and from_date/to_date are mutually exclusive")
		return
	}
	if req.SkipDownload && !hasRange {
		writeError(w, http.StatusBadRequest, "skip_download is only valid with from_date/to_date")
		return
	}

	job, err := h.st.InsertJob(r.Context(), store.InsertJobParams{
		Scope:             req.Scope,
		TenantKey:         req.TenantKey,
		TargetDate:        req.TargetDate,
		FromDate:          req.FromDate,
		ToDate:            req.ToDate,
		SkipDownload:      req.SkipDownload,
		Parallel:          req.Parallel,
		StaggerSeconds:    req.StaggerSeconds,
		ContinueOnFailure: req.ContinueOnFailure,
		RequestedBy:       "dashboard",
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to insert job")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	if req.Sync {
		if err := h.disp.Dispatch(r.Context(), dispatcher.SourceDashboard); err != nil {
			h.log.Error().Err(err).Msg("failed to dispatch job synchronously")
			writeError(w, http.StatusInternalServerError, "failed to dispatch job")
			return
		}
	} else {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := h.disp.Dispatch(ctx, dispatcher.SourceDashboard); err != nil {
				h.log.Error().Err(err).Msg("background dispatch attempt failed")
			}
		}()
	}

	writeJSON(w, http.StatusAccepted, job)
}

// get returns a job's current status. GET /api/jobs/{id}
func (h *jobsHandler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.st.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("failed to read job")
		writeError(w, http.StatusInternalServerError, "failed to read job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// cancel cancels a queued or running job. POST /api/jobs/{id}/cancel
func (h *jobsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.disp.Cancel(r.Context(), id); err != nil {
		h.log.Warn().Err(err).Str("job_id", id).Msg("cancel request failed")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
}

type logChunkResponse struct {
	Data       string         `json:"data"`
	NextOffset int64          `json:"next_offset"`
	Status     store.JobStatus `json:"status"`
}

// readLog returns one chunk of a job's log starting at ?offset=N.
// GET /api/jobs/{id}/log?offset=N
func (h *jobsHandler) readLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offset := parseInt64(r.URL.Query().Get("offset"), 0)

	data, next, status, err := h.tailer.ReadChunk(r.Context(), id, offset, 64*1024)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", id).Msg("failed to read log chunk")
		writeError(w, http.StatusInternalServerError, "failed to read log")
		return
	}

	writeJSON(w, http.StatusOK, logChunkResponse{Data: string(data), NextOffset: next, Status: status})
}

// streamLog upgrades to a websocket connection and pushes log chunks as
// job.finished events fire or a short poll ticker elapses, for UIs that
// want push instead of the stateless poll contract readLog implements.
// GET /api/jobs/{id}/log/stream
func (h *jobsHandler) streamLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("job_id", id).Msg("failed to accept websocket upgrade")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	var offset int64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var sub events.Subscription
	notify := make(chan struct{}, 1)
	sub = h.bus.Subscribe(events.JobFinished, func(ev *events.Event) {
		if jobID, _ := ev.Data["job_id"].(string); jobID == id {
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	})
	defer h.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-notify:
		}

		data, next, status, err := h.tailer.ReadChunk(ctx, id, offset, 64*1024)
		if err != nil {
			return
		}
		offset = next

		if len(data) > 0 || status != store.JobQueued {
			payload, _ := json.Marshal(logChunkResponse{Data: string(data), NextOffset: next, Status: status})
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}

		if status == store.JobSucceeded || status == store.JobFailed || status == store.JobCancelled {
			return
		}
	}
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	var v int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		v = v*10 + int64(c-'0')
	}
	return v
}
