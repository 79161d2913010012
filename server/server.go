// Package server exposes the deployment orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/shipper/artifact"
	"github.com/GoCodeAlone/shipper/deploy"
	"github.com/GoCodeAlone/shipper/history"
)

// Deployer runs one deployment to a terminal result.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error)
}

// Minter turns an object key into a time-limited artifact reference.
type Minter interface {
	Mint(ctx context.Context, key string) (artifact.Reference, error)
}

// historyStore is the slice of the history store the API uses.
type historyStore interface {
	Record(ctx context.Context, req deploy.Request, result deploy.Result) error
	Get(ctx context.Context, id string) (*history.Record, error)
	List(ctx context.Context, limit int) ([]history.Record, error)
}

// Server is the HTTP front end: one synchronous deployment endpoint plus
// history, reference minting, health and metrics.
type Server struct {
	deployer Deployer
	minter   Minter // nil disables POST /api/references
	history  historyStore
	metrics  *Metrics
	logger   *slog.Logger
	router   chi.Router
}

// New assembles the server and its routes.
func New(deployer Deployer, minter Minter, hist historyStore, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		deployer: deployer,
		minter:   minter,
		history:  hist,
		metrics:  metrics,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/deployments", s.handleDeploy)
		r.Get("/deployments", s.handleListDeployments)
		r.Get("/deployments/{id}", s.handleGetDeployment)
		r.Post("/references", s.handleMintReference)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeploy runs a deployment synchronously and returns its terminal
// result. The HTTP status reflects whether a result was produced, not
// whether the deployment succeeded; the outcome is in the body.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deploy.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.deployer.Deploy(r.Context(), req)
	switch {
	case errors.Is(err, deploy.ErrDeploymentInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, deploy.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.metrics.Observe(result)
	if s.history != nil {
		// Record even if the client has gone away; the deployment happened.
		if err := s.history.Record(context.WithoutCancel(r.Context()), req, result); err != nil {
			s.logger.Error("Failed to record deployment history", "deployment_id", result.ID, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history not configured")
		return
	}
	record, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleMintReference(w http.ResponseWriter, r *http.Request) {
	if s.minter == nil {
		s.writeError(w, http.StatusNotFound, "reference minting not configured")
		return
	}
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "request must include an object key")
		return
	}
	ref, err := s.minter.Mint(r.Context(), req.Key)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, ref)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
