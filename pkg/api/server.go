// Package api serves the HTTP/JSON control plane. Every mutation queues
// through the engine's control queue and applies at a tick boundary; the
// handler waits for the applied result before responding.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/engine"
	"github.com/mrd0ll4r/kaleidoscope/pkg/metrics"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
)

// Server is the control-plane HTTP server.
type Server struct {
	engine  *engine.Engine
	metrics *metrics.Collector
	logger  *zap.Logger
	mux     *http.ServeMux
	server  *http.Server
}

// NewServer creates a server listening on addr.
func NewServer(addr string, eng *engine.Engine, collector *metrics.Collector, logger *zap.Logger) *Server {
	s := &Server{
		engine:  eng,
		metrics: collector,
		logger:  logger.Named("api"),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/fixtures", s.handleFixtures)
	s.mux.HandleFunc("GET /api/v1/fixtures/{fixture}", s.handleFixture)
	s.mux.HandleFunc("GET /api/v1/fixtures/{fixture}/programs", s.handlePrograms)
	s.mux.HandleFunc("GET /api/v1/fixtures/{fixture}/programs/{program}", s.handleProgram)
	s.mux.HandleFunc("POST /api/v1/fixtures/{fixture}/set_active_program", s.handleSetActiveProgram)
	s.mux.HandleFunc("POST /api/v1/fixtures/{fixture}/cycle_active_program", s.handleCycleActiveProgram)
	s.mux.HandleFunc("GET /api/v1/fixtures/{fixture}/programs/{program}/parameters", s.handleParameters)
	s.mux.HandleFunc("GET /api/v1/fixtures/{fixture}/programs/{program}/parameters/{parameter}", s.handleParameter)
	s.mux.HandleFunc("POST /api/v1/fixtures/{fixture}/programs/{program}/parameters/{parameter}", s.handleSetParameter)
	s.mux.HandleFunc("POST /api/v1/fixtures/{fixture}/programs/{program}/parameters/{parameter}/cycle", s.handleCycleParameter)
	s.mux.HandleFunc("GET /api/v1/metrics", s.handleMetrics)
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe blocks serving the API until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleFixtures(w http.ResponseWriter, r *http.Request) {
	infos, err := s.engine.Fixtures(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleFixture(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.FixtureInfo(r.Context(), r.PathValue("fixture"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	infos, err := s.engine.ProgramInfos(r.Context(), r.PathValue("fixture"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.ProgramInfo(r.Context(), r.PathValue("fixture"), r.PathValue("program"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// setActiveProgramRequest is accepted both as JSON and as a bare program
// name in the body.
type setActiveProgramRequest struct {
	Program string `json:"program"`
}

func (s *Server) handleSetActiveProgram(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(string(body))
	if strings.HasPrefix(name, "{") {
		var req setActiveProgramRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		name = req.Program
	}
	if name == "" {
		http.Error(w, "program name must not be empty", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetActiveProgram(r.Context(), r.PathValue("fixture"), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"active_program": name})
}

func (s *Server) handleCycleActiveProgram(w http.ResponseWriter, r *http.Request) {
	name, err := s.engine.CycleActiveProgram(r.Context(), r.PathValue("fixture"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"active_program": name})
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	infos, err := s.engine.Parameters(r.Context(), r.PathValue("fixture"), r.PathValue("program"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if infos == nil {
		infos = []params.Info{}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleParameter(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Parameter(r.Context(), r.PathValue("fixture"), r.PathValue("program"), r.PathValue("parameter"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	var req engine.ParameterSetRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	info, err := s.engine.SetParameter(r.Context(), r.PathValue("fixture"), r.PathValue("program"), r.PathValue("parameter"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCycleParameter(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.CycleParameter(r.Context(), r.PathValue("fixture"), r.PathValue("program"), r.PathValue("parameter"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("unable to write response", zap.Error(err))
	}
}

// writeError maps engine and registry errors onto HTTP statuses: unknown
// things are 404, rejected writes are 400, everything else is 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, params.ErrUnknownProgram),
		errors.Is(err, params.ErrUnknownParameter):
		status = http.StatusNotFound
	case errors.Is(err, params.ErrOutOfRange),
		errors.Is(err, params.ErrUnknownLevel),
		errors.Is(err, params.ErrWrongKind),
		errors.Is(err, engine.ErrEmptySetRequest):
		status = http.StatusBadRequest
	case strings.Contains(err.Error(), "no such"):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
