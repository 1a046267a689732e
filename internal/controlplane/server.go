// Package controlplane serves the admin API for managing the credential pool
// at runtime.
package controlplane

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-token-pool/internal/auth"
	"github.com/tjfontaine/polyglot-token-pool/internal/codec"
	"github.com/tjfontaine/polyglot-token-pool/internal/domain"
	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
	"github.com/tjfontaine/polyglot-token-pool/internal/server"
)

// Options configures the admin API.
type Options struct {
	// Authenticator guards every route. Nil leaves the API open.
	Authenticator *auth.Authenticator

	// RequestsPerMinute caps admin traffic. Non-positive disables it.
	RequestsPerMinute int

	Logger *slog.Logger
}

// Server is the admin API over one pool.
type Server struct {
	router    chi.Router
	pool      *pool.Pool
	startTime time.Time
	logger    *slog.Logger
}

// NewServer creates the admin API for p.
func NewServer(p *pool.Pool, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		pool:      p,
		startTime: time.Now(),
		logger:    logger,
	}
	s.router.Use(server.AdmissionMiddleware(opts.RequestsPerMinute))
	s.router.Use(server.AdminAuthMiddleware(opts.Authenticator))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/stats", s.handleStats)
	s.router.Put("/algorithm", s.handleSetAlgorithm)

	s.router.Route("/tokens", func(r chi.Router) {
		r.Get("/", s.handleListTokens)
		r.Post("/", s.handleAddToken)
		r.Get("/current", s.handleCurrentToken)
		r.Get("/{id}", s.handleGetToken)
		r.Patch("/{id}", s.handleUpdateToken)
		r.Delete("/{id}", s.handleDeleteToken)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// TokenView is the admin representation of a record. The credential is
// always masked. Usage is null for a record that was never charged.
type TokenView struct {
	ID         int    `json:"id"`
	Credential string `json:"credential"`
	Usage      *int64 `json:"usage"`
	Limit      *int64 `json:"limit"`
	Remaining  *int64 `json:"remaining"`
	Exhausted  bool   `json:"exhausted"`
}

func newTokenView(rec pool.TokenRecord) TokenView {
	v := TokenView{
		ID:         rec.ID,
		Credential: rec.MaskedCredential(),
		Usage:      rec.Usage,
		Limit:      rec.Limit,
		Exhausted:  rec.Exhausted(),
	}
	if rem, ok := rec.Remaining(); ok {
		v.Remaining = &rem
	}
	return v
}

type tokenList struct {
	Object string      `json:"object"`
	Data   []TokenView `json:"data"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	records := s.pool.ListTokens()
	out := tokenList{Object: "list", Data: make([]TokenView, 0, len(records))}
	for _, rec := range records {
		out.Data = append(out.Data, newTokenView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateTokenRequest is the body of POST /tokens.
type CreateTokenRequest struct {
	Credential string `json:"credential"`
	Limit      *int64 `json:"limit,omitempty"`
	Usage      *int64 `json:"usage,omitempty"`
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		codec.WriteError(w, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}
	if req.Credential == "" {
		codec.WriteError(w, domain.ErrInvalidRequest("credential is required").WithParam("credential"))
		return
	}
	if negative(req.Limit) || negative(req.Usage) {
		codec.WriteError(w, domain.ErrInvalidRequest("limit and usage must not be negative"))
		return
	}

	rec := s.pool.AddTokenWith(req.Credential, pool.TokenPatch{Limit: req.Limit, Usage: req.Usage})
	s.logger.Info("token added", slog.Any("token", rec), slog.String("admin", adminSubject(r)))
	writeJSON(w, http.StatusCreated, newTokenView(rec))
}

func (s *Server) handleCurrentToken(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.pool.CurrentToken()
	if !ok {
		codec.WriteError(w, domain.ErrNotFound("no token has been dispatched yet"))
		return
	}
	writeJSON(w, http.StatusOK, newTokenView(rec))
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	rec, found := s.pool.GetToken(id)
	if !found {
		writeTokenNotFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, newTokenView(rec))
}

func (s *Server) handleUpdateToken(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	var patch pool.TokenPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		codec.WriteError(w, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}
	if negative(patch.Limit) || negative(patch.Usage) {
		codec.WriteError(w, domain.ErrInvalidRequest("limit and usage must not be negative"))
		return
	}
	if patch.Credential != nil && *patch.Credential == "" {
		codec.WriteError(w, domain.ErrInvalidRequest("credential must not be empty").WithParam("credential"))
		return
	}

	rec, found := s.pool.UpdateToken(id, patch)
	if !found {
		writeTokenNotFound(w, id)
		return
	}
	s.logger.Info("token updated", slog.Any("token", rec), slog.String("admin", adminSubject(r)))
	writeJSON(w, http.StatusOK, newTokenView(rec))
}

func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id, ok := tokenID(w, r)
	if !ok {
		return
	}
	if !s.pool.DeleteToken(id) {
		writeTokenNotFound(w, id)
		return
	}
	s.logger.Info("token deleted", slog.Int("id", id), slog.String("admin", adminSubject(r)))
	w.WriteHeader(http.StatusNoContent)
}

// AlgorithmRequest is the body of PUT /algorithm.
type AlgorithmRequest struct {
	Algorithm string `json:"algorithm"`
}

func (s *Server) handleSetAlgorithm(w http.ResponseWriter, r *http.Request) {
	var req AlgorithmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		codec.WriteError(w, domain.ErrInvalidRequest("invalid JSON body: "+err.Error()))
		return
	}
	sel, err := pool.SelectorByName(req.Algorithm)
	if err != nil {
		codec.WriteError(w, domain.ErrInvalidRequest(err.Error()).WithParam("algorithm"))
		return
	}
	s.pool.SetSelector(sel)
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

// StatsResponse combines pool counters with process information.
type StatsResponse struct {
	Pool         pool.Stats `json:"pool"`
	Uptime       string     `json:"uptime"`
	GoVersion    string     `json:"go_version"`
	NumGoroutine int        `json:"num_goroutine"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Pool:         s.pool.Stats(),
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
	})
}

func tokenID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		codec.WriteError(w, domain.ErrInvalidRequest("token id must be a positive integer").WithParam("id"))
		return 0, false
	}
	return id, true
}

func writeTokenNotFound(w http.ResponseWriter, id int) {
	codec.WriteError(w, domain.ErrNotFound("token "+strconv.Itoa(id)+" not found"))
}

func adminSubject(r *http.Request) string {
	if c := server.GetAdminClaims(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}

func negative(v *int64) bool {
	return v != nil && *v < 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
