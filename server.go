package polos

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// serverHooks are the worker callbacks behind the inbound endpoints. Both
// return whether the request was accepted; they must not block on the work
// itself.
type serverHooks struct {
	dispatch func(work WorkRequest) bool
	cancel   func(executionID string) bool
}

// workServer is the push endpoint the orchestrator dispatches to: POST /work
// hands an execution to the worker, POST /cancel aborts one. It binds all
// interfaces by default and loopback only in local mode.
type workServer struct {
	port      int
	localMode bool
	hooks     serverHooks
	logger    *Logger

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	done chan error
}

func newWorkServer(port int, localMode bool, hooks serverHooks, logger *Logger) *workServer {
	if logger == nil {
		logger = NopLogger()
	}
	return &workServer{
		port:      port,
		localMode: localMode,
		hooks:     hooks,
		logger:    logger.Child("component", "work_server"),
	}
}

func (s *workServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/work", s.handleWork)
	r.Post("/cancel", s.handleCancel)
	r.Get("/health", s.handleHealth)
	return r
}

// start binds the listener and serves in the background. A zero port picks a
// free one; addr() reports the effective address.
func (s *workServer) start() error {
	host := "0.0.0.0"
	if s.localMode {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan error, 1)
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("work server listening", "addr", ln.Addr().String(), "local_mode", s.localMode)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	return nil
}

// stop drains in-flight requests and closes the listener.
func (s *workServer) stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// addr returns the bound address, empty before start.
func (s *workServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// --- handlers ---

type acceptedResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (s *workServer) handleWork(w http.ResponseWriter, r *http.Request) {
	var work WorkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&work); err != nil {
		s.logger.Warn("rejecting malformed work request", "error", err)
		writeJSON(w, http.StatusBadRequest, acceptedResponse{Reason: "malformed body"})
		return
	}
	if work.ExecutionID == "" || work.WorkflowID == "" {
		writeJSON(w, http.StatusBadRequest, acceptedResponse{Reason: "executionId and workflowId are required"})
		return
	}
	accepted := s.hooks.dispatch(work)
	if !accepted {
		s.logger.Warn("work request not accepted",
			"execution_id", work.ExecutionID,
			"workflow_id", work.WorkflowID)
	}
	writeJSON(w, http.StatusOK, acceptedResponse{Accepted: accepted})
}

func (s *workServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExecutionID string `json:"executionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExecutionID == "" {
		writeJSON(w, http.StatusBadRequest, acceptedResponse{Reason: "executionId is required"})
		return
	}
	writeJSON(w, http.StatusOK, acceptedResponse{Accepted: s.hooks.cancel(req.ExecutionID)})
}

func (s *workServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
