package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// recoveryLogger adapts slog to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("recovered from panic in HTTP handler", "error", fmt.Sprint(v...))
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// routeName returns the route template so that metric labels stay bounded.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// requestIDHeader carries the request ID, taken from the client when present.
const requestIDHeader = "X-Request-ID"

// instrument logs and measures every routed request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeName(r)

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		if s.metrics != nil {
			s.metrics.HTTPRequestsInFlight.Inc()
			defer s.metrics.HTTPRequestsInFlight.Dec()
			timer := prometheus.NewTimer(s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route))
			defer timer.ObserveDuration()
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		}

		s.logger.Debug("handled request",
			"request_id", requestID,
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) denyAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		writeDetail(w, http.StatusUnauthorized, "API key required")
		return
	}
	writeDetail(w, http.StatusUnauthorized, "Invalid API key")
}

func (s *Server) denyUser(w http.ResponseWriter, _ *http.Request) {
	writeDetail(w, http.StatusUnauthorized, "Authentication credentials were not provided or are invalid.")
}
