// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/leaderprobe/internal/runner"
	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// Input validation constants
const (
	maxDurationSec = 24 * 3600 // Maximum run duration: 1 day
	maxNumLeaders  = 100000    // Maximum qualifying slots per run
)

// validateStartRequest validates the start run request parameters
func validateStartRequest(req *types.StartRunRequest) error {
	if req.NumLeaders < 0 {
		return fmt.Errorf("numLeaders cannot be negative, got %d", req.NumLeaders)
	}
	if req.NumLeaders > maxNumLeaders {
		return fmt.Errorf("numLeaders exceeds maximum of %d", maxNumLeaders)
	}
	if req.DurationSec < 0 {
		return fmt.Errorf("durationSec cannot be negative, got %d", req.DurationSec)
	}
	if req.DurationSec > maxDurationSec {
		return fmt.Errorf("durationSec exceeds maximum of %d seconds", maxDurationSec)
	}
	return nil
}

// ProbeAPI defines the interface for the runner that handlers need.
// *runner.Runner satisfies it.
type ProbeAPI interface {
	Start(ctx context.Context, opts runner.Options) (string, error)
	Stop()
	Status() types.RunStatus

	ListRuns(ctx context.Context, limit, offset int) (*types.PaginatedRuns, error)
	GetRun(ctx context.Context, id string) (*types.Report, error)
	DeleteRun(ctx context.Context, id string) error
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckReadRPC(ctx context.Context) error
	CheckSenderRPC(ctx context.Context) error
}

// Server handles HTTP requests for the leader probe.
type Server struct {
	api       ProbeAPI
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// runCtx parents runs started over the API; they outlive the request.
	runCtx context.Context

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server. Runs started through the API are
// cancelled when runCtx is.
func NewServer(runCtx context.Context, api ProbeAPI, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	// Create WebSocket server for live status streaming
	wsServer := NewWebSocketServer(api, logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
		runCtx:    runCtx,
	}

	// Parse CORS allowed origins
	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Close stops the status broadcaster and disconnects websocket clients.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/stop", s.corsMiddleware(s.handleStop))
	mux.HandleFunc("/v1/runs", s.corsMiddleware(s.handleRuns))
	mux.HandleFunc("/v1/runs/", s.corsMiddleware(s.handleRunDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics (unversioned - standard path)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// writeJSON writes v as a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// handleStatus returns the live run status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.api.Status())
}

// handleStop ends the dispatch phase of the active run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.api.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

// handleRuns lists run history (GET) or starts a run (POST).
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListRuns(w, r)
	case http.MethodPost:
		s.handleStartRun(w, r)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req types.StartRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := validateStartRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	runID, err := s.api.Start(s.runCtx, runner.Options{
		NumLeaders: req.NumLeaders,
		Duration:   time.Duration(req.DurationSec) * time.Second,
	})
	switch {
	case errors.Is(err, runner.ErrRunInProgress):
		s.writeJSONError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, runner.ErrUnbounded):
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("Failed to start run", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to start run: "+err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "runId": runID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50 // default
	offset := 0

	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.api.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleRunDetail handles GET and DELETE /v1/runs/{id}.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	if runID == "" {
		s.writeJSONError(w, "Missing run ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.api.DeleteRun(r.Context(), runID); err != nil {
			s.writeJSONError(w, "Failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	case http.MethodGet:
		report, err := s.api.GetRun(r.Context(), runID)
		if err != nil {
			s.writeJSONError(w, "Failed to get run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if report == nil {
			s.writeJSONError(w, "Run not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, report)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"phase":          s.api.Status().Phase,
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runCheck(ctx context.Context, name string, check func(context.Context) error) ReadinessCheck {
	start := time.Now()
	err := check(ctx)
	c := ReadinessCheck{Name: name, Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		c.Status = "failed"
		c.Error = err.Error()
	}
	return c
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		checks = append(checks,
			runCheck(ctx, "read-rpc", s.health.CheckReadRPC),
			runCheck(ctx, "sender-rpc", s.health.CheckSenderRPC),
		)
		for _, c := range checks {
			if c.Status != "ok" {
				allHealthy = false
			}
		}
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}
