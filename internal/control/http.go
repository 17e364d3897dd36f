package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coriolis-systems/jobd/internal/errs"
	"github.com/coriolis-systems/jobd/internal/logging"
)

// Server is the control surface's HTTP transport: one route per RPC verb
// in §6.3 (start/stop/restart/list/emit), plus the health/readiness/metrics
// surface supplementing spec.md (SPEC_FULL.md §4).
type Server struct {
	dispatcher Dispatcher
	auth       *Authenticator
	limiter    *SessionLimiter
	probes     *ProbeManager
	health     *DeepHealthChecker
	logger     *logging.Logger
	router     *mux.Router
}

// NewServer builds the control router. auth and limiter may be nil (no
// session auth / no rate limiting, matching --no-sessions).
func NewServer(dispatcher Dispatcher, auth *Authenticator, limiter *SessionLimiter, probes *ProbeManager, health *DeepHealthChecker, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		dispatcher: dispatcher,
		auth:       auth,
		limiter:    limiter,
		probes:     probes,
		health:     health,
		logger:     logger,
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the server's mux.Router, matching the teacher's
// Runner.Router() contract so this type can be hosted the same way.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	if s.auth != nil {
		r.Use(s.auth.Middleware())
	}

	rpc := r.PathPrefix("/jobs").Subrouter()
	if s.limiter != nil {
		rpc.Use(s.limiter.Middleware())
	}
	rpc.HandleFunc("/{class}/start", s.handleStart).Methods(http.MethodPost)
	rpc.HandleFunc("/{class}/stop", s.handleStop).Methods(http.MethodPost)
	rpc.HandleFunc("/{class}/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleList).Methods(http.MethodGet)

	emit := r.Path("/emit").Subrouter()
	if s.limiter != nil {
		emit.Use(s.limiter.Middleware())
	}
	emit.HandleFunc("", s.handleEmit).Methods(http.MethodPost)

	if s.probes != nil {
		r.HandleFunc("/healthz", s.probes.LivenessHandler()).Methods(http.MethodGet)
		r.HandleFunc("/readyz", s.probes.ReadinessHandler()).Methods(http.MethodGet)
		r.HandleFunc("/startupz", s.probes.StartupHandler()).Methods(http.MethodGet)
	}
	if s.health != nil {
		r.HandleFunc("/health/deep", DeepHealthHandler(s.health, "jobd", "", false, nil)).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = logging.NewTraceID()
		}
		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		s.logger.LogRequest(ctx, r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

// =============================================================================
// Request/response envelopes
// =============================================================================

type startRequest struct {
	Instance string   `json:"instance,omitempty"`
	Env      []string `json:"env,omitempty"`
	Wait     bool     `json:"wait,omitempty"`
}

type stopRequest struct {
	Instance string `json:"instance,omitempty"`
	Wait     bool   `json:"wait,omitempty"`
}

type emitRequest struct {
	Name string   `json:"name"`
	Env  []string `json:"env,omitempty"`
	Wait bool     `json:"wait,omitempty"`
}

type listResponse struct {
	Jobs []JobStatus `json:"jobs"`
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := s.dispatcher.Start(r.Context(), class, req.Instance, SessionFromContext(r.Context()), req.Env, req.Wait)
	s.replyStatus(w, status, err)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := s.dispatcher.Stop(r.Context(), class, req.Instance, SessionFromContext(r.Context()), req.Wait)
	s.replyStatus(w, status, err)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := s.dispatcher.Restart(r.Context(), class, req.Instance, SessionFromContext(r.Context()), req.Wait)
	s.replyStatus(w, status, err)
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	err := s.dispatcher.Emit(r.Context(), req.Name, req.Env, SessionFromContext(r.Context()), req.Wait)
	if err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.dispatcher.List(r.Context())
	if err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Jobs: jobs})
}

func (s *Server) replyStatus(w http.ResponseWriter, status *JobStatus, err error) {
	if err != nil {
		writeSupervisorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// JSON helpers
// =============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeSupervisorError renders an internal/errs.SupervisorError (or any
// plain error) as the HTTP status and code the error taxonomy defines.
func writeSupervisorError(w http.ResponseWriter, err error) {
	if supErr := errs.GetSupervisorError(err); supErr != nil {
		writeJSON(w, supErr.HTTPStatus, supErr)
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
