// Package ops serves the operational HTTP surface: /health for liveness
// and /metrics in Prometheus text exposition format.
package ops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nitra-1/PG-sub002/internal/breaker"
	"github.com/nitra-1/PG-sub002/internal/gatewayhealth"
	"github.com/nitra-1/PG-sub002/internal/orchestrator"
	"github.com/nitra-1/PG-sub002/internal/retry"
)

// HealthResponse is the JSON response for /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Uptime    string `json:"uptime"`
	Processed int64  `json:"payments_processed"`
	Succeeded int64  `json:"payments_succeeded"`
	Failed    int64  `json:"payments_failed"`
	Failovers int64  `json:"failovers"`
	NoGateway int64  `json:"no_gateway_available"`
}

// Server exposes health and metrics over HTTP.
type Server struct {
	port      int
	service   string
	startTime time.Time
	server    *http.Server
	logger    *zap.Logger

	orchestrator *orchestrator.Orchestrator
	tracker      *gatewayhealth.Tracker
	breakers     *breaker.Pool
	retrier      *retry.Handler
}

// NewServer creates an ops server over the live components. Any of the
// component references may be nil; the corresponding metrics are omitted.
func NewServer(port int, service string, o *orchestrator.Orchestrator, t *gatewayhealth.Tracker, b *breaker.Pool, r *retry.Handler, logger *zap.Logger) *Server {
	return &Server{
		port:         port,
		service:      service,
		startTime:    time.Now(),
		logger:       logger,
		orchestrator: o,
		tracker:      t,
		breakers:     b,
		retrier:      r,
	}
}

// Start starts the HTTP server in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Service: s.service,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.orchestrator != nil {
		resp.Processed, resp.Succeeded, resp.Failed, resp.Failovers, resp.NoGateway = s.orchestrator.Metrics().Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("health encode failed", zap.Error(err))
	}
}

// handleMetrics writes Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP paygate_uptime_seconds Time since process start\n")
	fmt.Fprintf(w, "# TYPE paygate_uptime_seconds gauge\n")
	fmt.Fprintf(w, "paygate_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	if s.orchestrator != nil {
		processed, succeeded, failed, failovers, noGateway := s.orchestrator.Metrics().Snapshot()
		fmt.Fprintf(w, "# HELP paygate_payments_total Payments processed by outcome\n")
		fmt.Fprintf(w, "# TYPE paygate_payments_total counter\n")
		fmt.Fprintf(w, "paygate_payments_total{outcome=\"processed\"} %d\n", processed)
		fmt.Fprintf(w, "paygate_payments_total{outcome=\"succeeded\"} %d\n", succeeded)
		fmt.Fprintf(w, "paygate_payments_total{outcome=\"failed\"} %d\n", failed)
		fmt.Fprintf(w, "# HELP paygate_failovers_total Payments completed on a fallback gateway\n")
		fmt.Fprintf(w, "# TYPE paygate_failovers_total counter\n")
		fmt.Fprintf(w, "paygate_failovers_total %d\n", failovers)
		fmt.Fprintf(w, "# HELP paygate_no_gateway_total Payments rejected with no eligible gateway\n")
		fmt.Fprintf(w, "# TYPE paygate_no_gateway_total counter\n")
		fmt.Fprintf(w, "paygate_no_gateway_total %d\n", noGateway)
	}

	if s.retrier != nil {
		attempts, successes, failures := s.retrier.Metrics().Snapshot()
		fmt.Fprintf(w, "# HELP paygate_retry_attempts_total Gateway call attempts\n")
		fmt.Fprintf(w, "# TYPE paygate_retry_attempts_total counter\n")
		fmt.Fprintf(w, "paygate_retry_attempts_total %d\n", attempts)
		fmt.Fprintf(w, "# HELP paygate_retry_outcomes_total Retried calls by final outcome\n")
		fmt.Fprintf(w, "# TYPE paygate_retry_outcomes_total counter\n")
		fmt.Fprintf(w, "paygate_retry_outcomes_total{outcome=\"success\"} %d\n", successes)
		fmt.Fprintf(w, "paygate_retry_outcomes_total{outcome=\"failure\"} %d\n", failures)
	}

	if s.tracker != nil {
		fmt.Fprintf(w, "# HELP paygate_gateway_health_score Composite gateway health score\n")
		fmt.Fprintf(w, "# TYPE paygate_gateway_health_score gauge\n")
		for name, snap := range s.tracker.Snapshots() {
			fmt.Fprintf(w, "paygate_gateway_health_score{gateway=%q} %.2f\n", name, snap.HealthScore)
			fmt.Fprintf(w, "paygate_gateway_success_rate{gateway=%q} %.4f\n", name, snap.SuccessRate)
			fmt.Fprintf(w, "paygate_gateway_avg_response_ms{gateway=%q} %.1f\n", name, float64(snap.AvgResponseTime.Milliseconds()))
		}
	}

	if s.breakers != nil {
		fmt.Fprintf(w, "# HELP paygate_breaker_state Circuit state per gateway (0 closed, 1 half open, 2 open)\n")
		fmt.Fprintf(w, "# TYPE paygate_breaker_state gauge\n")
		for name, counts := range s.breakers.Counts() {
			fmt.Fprintf(w, "paygate_breaker_state{gateway=%q} %d\n", name, stateValue(counts.State))
		}
	}
}

func stateValue(st breaker.State) int {
	switch st {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
