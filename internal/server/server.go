package server

import (
	"net/http"

	"github.com/peterje/coderunner/internal/api"
	"github.com/peterje/coderunner/internal/lang"
	"github.com/peterje/coderunner/internal/models"
	"github.com/peterje/coderunner/internal/terminal"
	"github.com/peterje/coderunner/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Deps bundles the components the HTTP surface routes to.
type Deps struct {
	Runner     api.Executor
	Controller terminal.Controller
	Frames     ws.Subscriber
	Sessions   api.SessionHistory
	Runs       api.RunHistory
	Languages  *lang.Registry
	Toolchains []models.ToolchainStatus
	Shepherd   bool

	// RunLimit wraps the synchronous run endpoint; nil means unlimited.
	RunLimit func(http.HandlerFunc) http.HandlerFunc
}

type Server struct {
	mux    *http.ServeMux
	deps   Deps
	logger *zerolog.Logger
}

func New(deps Deps, logger *zerolog.Logger) *Server {
	s := &Server{
		mux:    http.NewServeMux(),
		deps:   deps,
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	run := api.NewRunHandler(s.deps.Runner)
	sessions := api.NewSessionsHandler(s.deps.Controller, s.deps.Sessions, s.deps.Runs, s.logger)
	wsHandler := ws.NewHandler(s.deps.Controller, s.deps.Frames, s.logger)

	limit := s.deps.RunLimit
	if limit == nil {
		limit = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.Handle("GET /api/languages", api.LanguagesHandler(s.deps.Languages))

	// Synchronous runs
	s.mux.HandleFunc("POST /api/code/run", limit(run.HandleRun))
	s.mux.HandleFunc("GET /api/runs", sessions.HandleRuns)

	// Interactive sessions
	s.mux.HandleFunc("GET /api/terminal", sessions.HandleActive)
	s.mux.HandleFunc("POST /api/terminal/{key}/start", sessions.HandleStart)
	s.mux.HandleFunc("POST /api/terminal/{key}/input", sessions.HandleInput)
	s.mux.HandleFunc("POST /api/terminal/{key}/stop", sessions.HandleStop)
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleHistory)

	// WebSocket
	s.mux.Handle("GET /ws/terminal/{key}", wsHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	toolchains := s.deps.Toolchains
	if toolchains == nil {
		toolchains = []models.ToolchainStatus{}
	}
	resp := models.HealthResponse{
		Status:         "ok",
		Toolchains:     toolchains,
		ActiveSessions: len(s.deps.Controller.Active()),
		Shepherd:       s.deps.Shepherd,
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
