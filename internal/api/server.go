// Package api exposes the exposure log over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/lsst-sqre/exposurelog/internal/errs"
	"github.com/lsst-sqre/exposurelog/internal/logbook"
	"github.com/lsst-sqre/exposurelog/internal/metrics"
)

// PathPrefix is where every route is mounted.
const PathPrefix = "/exposurelog"

// RetryAfterSeconds is advertised with 503 responses.
const RetryAfterSeconds = "5"

// Server routes HTTP requests to a logbook.Service.
type Server struct {
	svc     *logbook.Service
	metrics *metrics.Metrics
	logger  *slog.Logger
	router  *mux.Router
}

// NewServer builds the router. m may be nil to disable metrics.
func NewServer(svc *logbook.Service, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, metrics: m, logger: logger, router: mux.NewRouter()}

	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if m != nil {
		s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	r := s.router.PathPrefix(PathPrefix).Subrouter()
	r.StrictSlash(true)
	r.Use(s.observe)
	s.registerMessages(r)
	s.registerEntries(r)
	s.registerExposures(r)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerMessages(r *mux.Router) {
	r.HandleFunc("/", s.landing).Methods(http.MethodGet)
	r.HandleFunc("/messages", s.addMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages", s.findMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", s.getMessage).Methods(http.MethodGet)
	r.HandleFunc("/messages/{id}", s.editMessage).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
}

func (s *Server) registerEntries(r *mux.Router) {
	r.HandleFunc("/entries/{entry_id}", s.getEntry).Methods(http.MethodGet)
	r.HandleFunc("/entries/{entry_id}", s.editEntry).Methods(http.MethodPatch)
	r.HandleFunc("/entries/{entry_id}", s.deleteEntry).Methods(http.MethodDelete)
	r.HandleFunc("/entries/{entry_id}/history", s.entryHistory).Methods(http.MethodGet)
}

func (s *Server) registerExposures(r *mux.Router) {
	r.HandleFunc("/exposures", s.findExposures).Methods(http.MethodGet)
	r.HandleFunc("/instruments", s.instruments).Methods(http.MethodGet)
	r.HandleFunc("/configuration", s.configuration).Methods(http.MethodGet)
}

// statusRecorder captures the status code a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// observe logs one line per request and records request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if s.metrics != nil {
			s.metrics.RequestsInFlight.Inc()
			defer s.metrics.RequestsInFlight.Dec()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveRequest(route, r.Method, rec.status, elapsed)
		}
		s.logger.Info("request", "method", r.Method, "route", route, "status", rec.status, "duration", elapsed)
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Detail  string `json:"detail"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	EntryID string `json:"entry_id,omitempty"`
}

// statusFor maps an error code to its HTTP status.
func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *errs.Error
	if !errors.As(err, &e) {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "internal error"})
		return
	}
	status := statusFor(e.Code)
	if e.Retryable() {
		w.Header().Set("Retry-After", RetryAfterSeconds)
	}
	s.logger.Debug("request rejected", "path", r.URL.Path, "code", e.Code, "error", err)
	writeJSON(w, status, errorBody{Detail: e.Message, Code: string(e.Code), Field: e.Field, EntryID: e.EntryID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const landingPage = `<!DOCTYPE html>
<html>
<head><title>Exposure Log</title></head>
<body>
<h1>Exposure Log</h1>
<p>Log messages about camera exposures. See <a href="configuration">configuration</a>,
<a href="instruments">instruments</a> and <a href="messages">messages</a>.</p>
</body>
</html>
`

func (s *Server) landing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(landingPage))
}
