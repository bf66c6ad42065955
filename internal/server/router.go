// Package server exposes the orchestrator's HTTP surface: job CRUD and
// cancellation, log polling and streaming, schedule CRUD, per-tenant
// health, and backup listing/triggering. It is the only boundary the
// (out of scope) web dashboard and the operator CLI talk to.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/opsportal/orchestrator/internal/dispatcher"
	"github.com/opsportal/orchestrator/internal/events"
	"github.com/opsportal/orchestrator/internal/health"
	"github.com/opsportal/orchestrator/internal/logtail"
	"github.com/opsportal/orchestrator/internal/reliability"
	"github.com/opsportal/orchestrator/internal/store"
	"github.com/rs/zerolog"
)

// Server wires the HTTP router to the orchestration core's components.
// Archiver is nil when R2 credentials are not configured; handlers degrade
// to no-op responses rather than erroring in that case.
type Server struct {
	router chi.Router
	log    zerolog.Logger
}

// Deps carries every component a handler might need. Keeping it a plain
// struct instead of individual New* parameters makes it easy to construct
// partial Servers in tests.
type Deps struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
	Tailer     *logtail.Tailer
	Bus        *events.Bus
	Classifier *health.Classifier
	Archiver   *reliability.Archiver
	Log        zerolog.Logger
}

// New builds the router and mounts every handler group.
func New(deps Deps) *Server {
	log := deps.Log.With().Str("component", "server").Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		MaxAge:           300,
		AllowCredentials: false,
	}))

	jobs := &jobsHandler{st: deps.Store, disp: deps.Dispatcher, tailer: deps.Tailer, bus: deps.Bus, log: log}
	schedules := &schedulesHandler{st: deps.Store, log: log}
	healthH := &healthHandler{st: deps.Store, classifier: deps.Classifier, log: log}
	backups := &backupsHandler{archiver: deps.Archiver, log: log}

	r.Route("/api", func(api chi.Router) {
		api.Route("/jobs", func(jr chi.Router) {
			jr.Post("/", jobs.create)
			jr.Get("/{id}", jobs.get)
			jr.Post("/{id}/cancel", jobs.cancel)
			jr.Get("/{id}/log", jobs.readLog)
			jr.Get("/{id}/log/stream", jobs.streamLog)
		})

		api.Route("/schedules", func(sr chi.Router) {
			sr.Get("/", schedules.list)
			sr.Post("/", schedules.create)
			sr.Delete("/{id}", schedules.delete)
		})

		api.Get("/health", healthH.get)

		api.Route("/backups", func(br chi.Router) {
			br.Get("/", backups.list)
			br.Post("/", backups.trigger)
		})
	})

	return &Server{router: r, log: log}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
