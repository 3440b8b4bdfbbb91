package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// quarantineSuffix marks the backlog checks of quarantine channels.
const quarantineSuffix = "_quarantine"

// QuarantineComponent names the backlog check of a subsystem's quarantine.
func QuarantineComponent(subsystem string) string {
	return subsystem + quarantineSuffix
}

// Server exposes the monitor and Prometheus metrics over HTTP.
//
//	GET /health                    overall status and the failing components
//	GET /health/detailed           full report
//	GET /health/components/{name}  one component, 404 when not registered
//	GET /health/quarantine         quarantine backlog per subsystem
//	GET /metrics                   Prometheus
type Server struct {
	monitor *Monitor
	server  *http.Server
}

// summary is the body of GET /health.
type summary struct {
	Status  SystemStatus `json:"status"`
	Failing []string     `json:"failing,omitempty"`
}

// NewServer creates the health server on port.
func NewServer(monitor *Monitor, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("GET /health", s.handleSummary)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.HandleFunc("GET /health/components/{name}", s.handleComponent)
	mux.HandleFunc("GET /health/quarantine", s.handleQuarantine)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	resp := summary{Status: report.SystemStatus}
	for name, c := range report.Components {
		if c.Status != StatusHealthy {
			resp.Failing = append(resp.Failing, name)
		}
	}
	sort.Strings(resp.Failing)

	writeJSON(w, statusCode(report.SystemStatus), resp)
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	writeJSON(w, statusCode(report.SystemStatus), report)
}

func (s *Server) handleComponent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	report := s.monitor.CheckHealth(r.Context())

	c, ok := report.Components[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown component " + name})
		return
	}
	writeJSON(w, statusCode(c.Status), c)
}

// handleQuarantine reports backlog only; a large quarantine is a data
// problem, not an outage, so it always answers 200.
func (s *Server) handleQuarantine(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	backlog := make(map[string]int64)
	for name, c := range report.Components {
		if subsystem, ok := strings.CutSuffix(name, quarantineSuffix); ok {
			backlog[subsystem] = c.Backlog
		}
	}
	writeJSON(w, http.StatusOK, backlog)
}

func statusCode(status SystemStatus) int {
	if status == StatusCritical {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write health response", "error", err)
	}
}
