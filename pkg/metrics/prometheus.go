package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ServiceMetrics contains general service health metrics.
type ServiceMetrics struct {
	BuildInfo *prometheus.GaugeVec
	StartTime prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewServiceMetrics creates and registers all service metrics.
func NewServiceMetrics(namespace string) *ServiceMetrics {
	return &ServiceMetrics{
		BuildInfo: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		}, []string{"version", "commit", "build_time"}),
		StartTime: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Unix timestamp of service start time",
		}),

		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPResponseSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 2, 10),
		}, []string{"method", "path"}),

		GRPCRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "Total number of gRPC requests",
		}, []string{"method", "status"}),
		GRPCRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_duration_seconds",
			Help:      "gRPC request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// EngineMetrics covers the per-session engine-handshake hot path.
type EngineMetrics struct {
	FramesProducedTotal  *prometheus.CounterVec
	HandshakeDuration    prometheus.Histogram
	HandshakeFailures    *prometheus.CounterVec
	EngineProcessesAlive prometheus.Gauge
}

// NewEngineMetrics creates and registers engine/handshake metrics.
func NewEngineMetrics(namespace string) *EngineMetrics {
	return &EngineMetrics{
		FramesProducedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "frames_produced_total",
			Help:      "Total number of frames written by engine processes",
		}, []string{"session_id", "animator_kind"}),
		HandshakeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "handshake_duration_seconds",
			Help:      "Time from engine spawn to init_success/init_failure",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		HandshakeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "handshake_failures_total",
			Help:      "Total number of failed engine handshakes by reason kind",
		}, []string{"kind"}),
		EngineProcessesAlive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "processes_alive",
			Help:      "Number of currently running engine processes",
		}),
	}
}

// SessionMetrics covers the broadcast/fan-out hot path.
type SessionMetrics struct {
	SubscribersActive *prometheus.GaugeVec
	FramesBroadcast   *prometheus.CounterVec
	SlotDropsTotal    *prometheus.CounterVec
	BroadcastDuration *prometheus.HistogramVec
	SessionsByState   *prometheus.GaugeVec
}

// NewSessionMetrics creates and registers session/broadcast metrics.
func NewSessionMetrics(namespace string) *SessionMetrics {
	return &SessionMetrics{
		SubscribersActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "subscribers_active",
			Help:      "Current number of subscribers per session",
		}, []string{"session_id"}),
		FramesBroadcast: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_broadcast_total",
			Help:      "Total number of frames successfully sent to a subscriber",
		}, []string{"session_id"}),
		SlotDropsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "slot_drops_total",
			Help:      "Total number of slot-index notifications dropped under backpressure",
		}, []string{"session_id"}),
		BroadcastDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "broadcast_send_duration_seconds",
			Help:      "Time to send one frame to one subscriber sink",
			Buckets:   prometheus.DefBuckets,
		}, []string{"session_id"}),
		SessionsByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "sessions_by_state",
			Help:      "Current number of sessions in each lifecycle state",
		}, []string{"state"}),
	}
}

// Registry represents a metrics registry for a service.
type Registry struct {
	serviceName    string
	serviceVersion string
	buildTime      string
	gitCommit      string
	logger         *slog.Logger

	Service *ServiceMetrics
	Engine  *EngineMetrics
	Session *SessionMetrics

	server *http.Server
}

// NewRegistry creates a new metrics registry.
func NewRegistry(serviceName, version, buildTime, gitCommit string, logger *slog.Logger) *Registry {
	reg := &Registry{
		serviceName:    serviceName,
		serviceVersion: version,
		buildTime:      buildTime,
		gitCommit:      gitCommit,
		logger:         logger,
	}

	reg.Service = NewServiceMetrics("motionstream")
	reg.Engine = NewEngineMetrics("motionstream")
	reg.Session = NewSessionMetrics("motionstream")

	reg.Service.BuildInfo.WithLabelValues(version, gitCommit, buildTime).Set(1)
	reg.Service.StartTime.SetToCurrentTime()

	return reg
}

// StartMetricsServer starts the HTTP server for Prometheus metrics.
func (r *Registry) StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"` + r.serviceName + `"}`))
	})

	r.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	r.logger.Info("starting metrics server", "port", port)
	return r.server.ListenAndServe()
}

// StopMetricsServer stops the metrics HTTP server.
func (r *Registry) StopMetricsServer(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	r.logger.Info("stopping metrics server")
	return r.server.Shutdown(ctx)
}

// routeLabel collapses the session id segment of a /v1/sessions/...
// path into "{id}" so the per-route metrics and logs stay low
// cardinality no matter how many distinct session ids have been seen,
// matching the routes Server.Handler registers (describe, commands,
// stream and close hang off this one dynamic segment; create is the
// bare /v1/sessions and passes through unchanged).
func routeLabel(path string) string {
	const prefix = "/v1/sessions/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return prefix + "{id}" + rest[idx:]
	}
	return prefix + "{id}"
}

// HTTPMiddleware returns HTTP middleware that instruments requests. It
// also wraps the response in a responseWriter that preserves
// http.Flusher, since handleStream's chunked frame streaming depends
// on flushing through whatever wraps it.
func (r *Registry) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			route := routeLabel(req.URL.Path)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, req)

			duration := time.Since(start)
			status := strconv.Itoa(wrapped.statusCode)

			r.Service.HTTPRequestsTotal.WithLabelValues(req.Method, route, status).Inc()
			r.Service.HTTPRequestDuration.WithLabelValues(req.Method, route).Observe(duration.Seconds())
			r.Service.HTTPResponseSize.WithLabelValues(req.Method, route).Observe(float64(wrapped.bytesWritten))

			r.logger.Info("http request",
				"method", req.Method,
				"route", route,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"bytes", wrapped.bytesWritten,
				"remote_addr", req.RemoteAddr,
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and
// bytes written — for the stream route the latter accumulates across
// however many frames get flushed before the subscriber disconnects.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush satisfies http.Flusher by delegating to the wrapped writer,
// so this middleware can sit in front of handleStream's chunked
// responses without breaking its flush-per-frame behavior.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// UnaryServerInterceptor returns a gRPC unary interceptor that instruments requests.
func (r *Registry) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		duration := time.Since(start)
		statusCode := "OK"
		if err != nil {
			statusCode = status.Code(err).String()
		}

		method := info.FullMethod
		r.Service.GRPCRequestsTotal.WithLabelValues(method, statusCode).Inc()
		r.Service.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())

		r.logger.Info("grpc request",
			"method", method,
			"status", statusCode,
			"duration_ms", duration.Milliseconds(),
		)

		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that instruments streams.
func (r *Registry) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()

		err := handler(srv, ss)

		duration := time.Since(start)
		statusCode := "OK"
		if err != nil {
			statusCode = status.Code(err).String()
		}

		method := info.FullMethod
		r.Service.GRPCRequestsTotal.WithLabelValues(method, statusCode).Inc()
		r.Service.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())

		r.logger.Info("grpc stream",
			"method", method,
			"status", statusCode,
			"duration_ms", duration.Milliseconds(),
		)

		return err
	}
}
