// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package admin exposes a local-only HTTP surface for operating the agent:
// health, Prometheus metrics, job inspection, and manual requeue of stuck
// jobs. A thin ServeMux-based handler struct wired directly to the store,
// with a bearer-token gate for the mutating route.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"dvmagent/internal/crypto"
	"dvmagent/internal/metrics"
	"dvmagent/internal/store"
	"dvmagent/pkg/dvm"
)

// Server is the admin HTTP surface.
type Server struct {
	store     *store.Store
	tokenHash string // argon2id/bcrypt PHC hash; empty disables auth (local dev only)
	log       *zap.Logger
	now       func() time.Time
}

// New builds a Server. tokenHash gates the requeue endpoint; an empty
// tokenHash leaves it open, intended only for local development.
func New(st *store.Store, tokenHash string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: st, tokenHash: tokenHash, log: log, now: time.Now}
}

// Register attaches the admin routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.withMetrics("/healthz", s.handleHealth))
	mux.Handle("/metrics", s.withMetricsHandler("/metrics", metrics.Handler()))
	mux.HandleFunc("/jobs/", s.withMetrics("/jobs/", s.handleJob))
	mux.HandleFunc("/jobs/requeue", s.withMetrics("/jobs/requeue", s.handleRequeue))
}

func (s *Server) withMetrics(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rw, r)
		metrics.ObserveAdminHTTP(route, statusBucket(rw.status), s.now().Sub(start))
	}
}

func (s *Server) withMetricsHandler(route string, h http.Handler) http.HandlerFunc {
	return s.withMetrics(route, h.ServeHTTP)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusBucket(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jobView is the JSON shape returned for job inspection: the dvm.Job fields
// without the decoded input payload and the invoice hash.
type jobView struct {
	EventID     string    `json:"event_id"`
	Customer    string    `json:"customer"`
	Kind        int       `json:"kind"`
	State       string    `json:"state"`
	Bolt11      string    `json:"bolt11,omitempty"`
	AmountMsats int64     `json:"amount_msats"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toView(job *dvm.Job) jobView {
	return jobView{
		EventID:     job.EventID,
		Customer:    job.Customer,
		Kind:        job.Kind,
		State:       string(job.State),
		Bolt11:      job.Bolt11,
		AmountMsats: job.AmountMsats,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	eventID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if eventID == "" || strings.Contains(eventID, "/") {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	job, err := s.store.Get(r.Context(), eventID)
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		s.log.Error("admin_get_job_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, toView(job))
}

type requeueRequest struct {
	EventID string `json:"event_id"`
}

// handleRequeue transitions a stuck job (Received with no invoice, or
// Processing with no live execution) to Failed so an operator can
// investigate, gated by a bearer token when one is configured. States with
// no Failed edge in the lifecycle graph are rejected.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	job, err := s.store.Get(r.Context(), req.EventID)
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		s.log.Error("admin_requeue_lookup_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	if !dvm.CanTransition(job.State, dvm.StateFailed) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job is not in a requeue-eligible state"})
		return
	}

	if err := s.store.Update(r.Context(), req.EventID, dvm.StateFailed, map[string]any{"error": "manually requeued by operator"}); err != nil {
		s.log.Error("admin_requeue_update_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.tokenHash == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimPrefix(header, prefix)
	ok, err := crypto.VerifyToken(token, s.tokenHash)
	return err == nil && ok
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ListenAndServe starts the admin HTTP server on addr. It returns when ctx
// is canceled or the server fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
