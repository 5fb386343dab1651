package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nathannam/console-observability/internal/health"
	"github.com/nathannam/console-observability/internal/reporter"
	"github.com/nathannam/console-observability/internal/telemetry"
	"github.com/nathannam/console-observability/internal/transport"
)

// maxBatchBytes bounds a collector request body.
const maxBatchBytes = 4 << 20

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// server holds the development host's handlers and instruments.
type server struct {
	service string
	webDir  string
	logger  *slog.Logger
	tracer  trace.Tracer

	healthCheckCount metric.Int64Counter
	batchesReceived  metric.Int64Counter
	itemsReceived    metric.Int64Counter
}

func newServer(service, webDir string, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) (*server, error) {
	s := &server{service: service, webDir: webDir, logger: logger, tracer: tracer}

	var err error
	s.healthCheckCount, err = meter.Int64Counter("health_checks_total",
		metric.WithDescription("Total number of health check requests"))
	if err != nil {
		return nil, err
	}
	s.batchesReceived, err = meter.Int64Counter("collector_batches_total",
		metric.WithDescription("Telemetry batches received by endpoint"))
	if err != nil {
		return nil, err
	}
	s.itemsReceived, err = meter.Int64Counter("collector_items_total",
		metric.WithDescription("Events, snapshots and reports received by endpoint"))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// healthCheckHandler answers the console's health probe.
func (s *server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "health_check")
	defer span.End()

	s.logger.DebugContext(ctx, "Health check requested",
		"remote_addr", r.RemoteAddr,
		"session_id", r.Header.Get(transport.SessionHeader))
	s.healthCheckCount.Add(ctx, 1)

	w.Header().Set("Content-Type", "application/json")

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   s.service,
	}
	span.SetAttributes(
		attribute.String("health.status", resp.Status),
		attribute.String("health.service", resp.Service),
	)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to encode health response")
		s.logger.ErrorContext(ctx, "Failed to encode health response", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// batchDecoder decodes one collector payload and returns how many items
// it carried plus attributes worth logging.
type batchDecoder func(body []byte) (items int, attrs []any, err error)

func decodeErrors(body []byte) (int, []any, error) {
	var batch reporter.ErrorBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return 0, nil, err
	}
	critical := 0
	for _, ev := range batch.Errors {
		if ev.Severity == telemetry.SeverityCritical {
			critical++
		}
	}
	return len(batch.Errors), []any{"critical", critical, "counters", len(batch.Counters)}, nil
}

func decodeMetrics(body []byte) (int, []any, error) {
	var snap telemetry.MetricsSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return 0, nil, err
	}
	return 1, []any{
		"errors_total", snap.Errors.Total,
		"api_calls", snap.APICalls.Total,
		"interactions", snap.UserInteractions.Total,
	}, nil
}

func decodeAnalytics(body []byte) (int, []any, error) {
	var batch reporter.AnalyticsBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return 0, nil, err
	}
	return len(batch.Events), []any{"platform", batch.UserProperties.Platform}, nil
}

func decodeHealthReport(body []byte) (int, []any, error) {
	var report health.Report
	if err := json.Unmarshal(body, &report); err != nil {
		return 0, nil, err
	}
	return 1, []any{"status", report.Status, "latency_ms", report.LatencyMs}, nil
}

// collectorHandler accepts POSTed batches for one endpoint and logs them.
func (s *server) collectorHandler(endpoint string, decode batchDecoder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, span := s.tracer.Start(r.Context(), "collect_"+endpoint)
		defer span.End()

		sessionID := r.Header.Get(transport.SessionHeader)
		span.SetAttributes(
			attribute.String("collector.endpoint", endpoint),
			attribute.String("session.id", sessionID),
		)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchBytes))
		if err != nil {
			span.RecordError(err)
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		items, attrs, err := decode(body)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid payload")
			s.logger.WarnContext(ctx, "Rejected telemetry batch",
				"endpoint", endpoint, "session_id", sessionID, "error", err)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		kind := metric.WithAttributes(attribute.String("endpoint", endpoint))
		s.batchesReceived.Add(ctx, 1, kind)
		s.itemsReceived.Add(ctx, int64(items), kind)
		span.SetAttributes(attribute.Int("collector.items", items))

		s.logger.InfoContext(ctx, "Received telemetry batch",
			append([]any{"endpoint", endpoint, "session_id", sessionID, "items", items}, attrs...)...)
		w.WriteHeader(http.StatusAccepted)
	}
}

// corsMiddleware adds CORS headers for the WebAssembly console.
func (s *server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+transport.SessionHeader)

		if r.Method == http.MethodOptions {
			s.logger.DebugContext(r.Context(), "CORS preflight request",
				"path", r.URL.Path,
				"origin", r.Header.Get("Origin"))
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// serveIndex serves the console page.
func (s *server) serveIndex(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "serve_index")
	defer span.End()

	span.SetAttributes(
		attribute.String("http.route", "/"),
		attribute.String("file.path", s.webDir+"/index.html"),
	)
	s.logger.DebugContext(ctx, "Serving index page", "remote_addr", r.RemoteAddr)
	http.ServeFile(w, r, s.webDir+"/index.html")
}
