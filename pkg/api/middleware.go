package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"transaction-service/pkg/auth"
	"transaction-service/pkg/logging"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Verifier authenticates a bearer token.
type Verifier = auth.Verifier

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) (*httpMetrics, error) {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "transaction_service",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "transaction_service",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	if err := reg.Register(m.requests); err != nil {
		existing, rerr := alreadyRegistered(err)
		if rerr != nil {
			return nil, rerr
		}
		m.requests = existing.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.duration); err != nil {
		existing, rerr := alreadyRegistered(err)
		if rerr != nil {
			return nil, rerr
		}
		m.duration = existing.(*prometheus.HistogramVec)
	}
	return m, nil
}

// alreadyRegistered lets a second server in the same process share the collectors.
func alreadyRegistered(err error) (prometheus.Collector, error) {
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}
	return nil, err
}

// middleware records request counts and latencies per route template.
func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(srw, r)

		endpoint := getEndpoint(r)
		m.requests.WithLabelValues(r.Method, endpoint, strconv.Itoa(srw.statusCode)).Inc()
		m.duration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// statusResponseWriter captures the status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// getEndpoint returns a normalized endpoint path for metrics
func getEndpoint(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unmatched"
	}
	pathTemplate, err := route.GetPathTemplate()
	if err != nil {
		return "unmatched"
	}
	return pathTemplate
}

var devIdentity = auth.Identity{CustomerID: "dev", Role: auth.RoleAdmin}

// authenticate attaches the caller's identity to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Verifier == nil {
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), devIdentity)))
			return
		}

		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeMessage(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		id, err := s.deps.Verifier.Verify(r.Context(), token)
		if err != nil {
			s.logger.Debug("rejected token", zap.String("path", r.URL.Path), zap.Error(err))
			writeMessage(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// authorize reports false after writing the error response.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, account string) bool {
	if err := s.deps.Accounts.Authorize(r.Context(), account); err != nil {
		s.writeError(w, r, err)
		return false
	}
	return true
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	id, ok := auth.FromContext(r.Context())
	if !ok || !id.IsAdmin() {
		writeMessage(w, http.StatusForbidden, "forbidden", "admin role required")
		return false
	}
	return true
}

func (s *Server) requestLogger(r *http.Request) *logging.Logger {
	return s.logger.With(
		zap.String("method", r.Method),
		zap.String("endpoint", getEndpoint(r)),
	)
}
