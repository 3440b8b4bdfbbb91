package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// =============================================================================
// Mocks
// =============================================================================

type stubPinger struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *stubPinger) Health(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *stubPinger) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type stubBreaker struct {
	state string
}

func (s *stubBreaker) State() string { return s.state }

func depthOf(n int64, err error) DepthFunc {
	return func(ctx context.Context, channel string) (int64, error) {
		return n, err
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	monitor := NewMonitor(0)
	monitor.Register("database", PingCheck(&stubPinger{}))
	monitor.Register("bus_breaker", BreakerCheck(&stubBreaker{state: "closed"}))
	monitor.Register("usage_dlq", BacklogCheck(depthOf(0, nil), "usage.logged.dlq", 1, 100))

	report := monitor.CheckHealth(context.Background())

	if report.SystemStatus != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.SystemStatus)
	}
	if len(report.Components) != 3 {
		t.Errorf("expected 3 components, got %d", len(report.Components))
	}
}

func TestMonitor_Degraded(t *testing.T) {
	monitor := NewMonitor(0)
	monitor.Register("database", PingCheck(&stubPinger{}))
	monitor.Register("bus_breaker", BreakerCheck(&stubBreaker{state: "open"}))

	report := monitor.CheckHealth(context.Background())

	if report.SystemStatus != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.SystemStatus)
	}
	if report.Components["bus_breaker"].State != "open" {
		t.Errorf("expected breaker state open, got %+v", report.Components["bus_breaker"])
	}
}

func TestMonitor_Critical(t *testing.T) {
	monitor := NewMonitor(0)
	monitor.Register("database", PingCheck(&stubPinger{err: errors.New("connection refused")}))
	monitor.Register("bus_breaker", BreakerCheck(&stubBreaker{state: "open"}))

	report := monitor.CheckHealth(context.Background())

	if report.SystemStatus != StatusCritical {
		t.Errorf("expected critical, got %s", report.SystemStatus)
	}
	if report.Components["database"].Error != "connection refused" {
		t.Errorf("expected error recorded, got %+v", report.Components["database"])
	}
}

func TestBacklogCheck_Thresholds(t *testing.T) {
	tests := []struct {
		depth int64
		err   error
		want  SystemStatus
	}{
		{0, nil, StatusHealthy},
		{5, nil, StatusDegraded},
		{100, nil, StatusCritical},
		{0, errors.New("xlen failed"), StatusDegraded},
	}
	for _, tt := range tests {
		h := BacklogCheck(depthOf(tt.depth, tt.err), "x.dlq", 1, 100)(context.Background())
		if h.Status != tt.want {
			t.Errorf("depth %d err %v: expected %s, got %s", tt.depth, tt.err, tt.want, h.Status)
		}
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	pinger := &stubPinger{}
	monitor := NewMonitor(10 * time.Second)
	monitor.Register("database", PingCheck(pinger))

	monitor.CheckHealth(context.Background())
	monitor.CheckHealth(context.Background())

	if pinger.calls != 1 {
		t.Errorf("expected 1 probe within the cache period, got %d", pinger.calls)
	}
}

func TestServer_Endpoints(t *testing.T) {
	monitor := NewMonitor(0)
	pinger := &stubPinger{}
	monitor.Register("database", PingCheck(pinger))
	srv := NewServer(monitor, 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	pinger.fail(errors.New("down"))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var report HealthReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Components["database"].Status != StatusCritical {
		t.Errorf("expected critical database, got %+v", report.Components["database"])
	}
}

func TestServer_ComponentAndQuarantineRoutes(t *testing.T) {
	monitor := NewMonitor(0)
	pinger := &stubPinger{}
	monitor.Register("database", PingCheck(pinger))
	depth := func(ctx context.Context, channel string) (int64, error) {
		if channel != "usage.logged.dlq" {
			t.Errorf("unexpected channel %s", channel)
		}
		return 3, nil
	}
	monitor.Register(QuarantineComponent("usage"), BacklogCheck(depth, "usage.logged.dlq", 1, 0))
	srv := NewServer(monitor, 0)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	var sum struct {
		Status  SystemStatus `json:"status"`
		Failing []string     `json:"failing"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || sum.Status != StatusDegraded {
		t.Fatalf("expected degraded 200, got %d %+v", rec.Code, sum)
	}
	if len(sum.Failing) != 1 || sum.Failing[0] != "usage_quarantine" {
		t.Errorf("expected usage_quarantine failing, got %v", sum.Failing)
	}

	rec = get("/health/components/database")
	var c ComponentHealth
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || c.Status != StatusHealthy {
		t.Errorf("expected healthy database, got %d %+v", rec.Code, c)
	}

	if rec = get("/health/components/kafka"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown component, got %d", rec.Code)
	}

	rec = get("/health/quarantine")
	var backlog map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&backlog); err != nil {
		t.Fatal(err)
	}
	if backlog["usage"] != 3 || len(backlog) != 1 {
		t.Errorf("expected usage backlog 3, got %v", backlog)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", rec.Code)
	}
}

func TestGRPCServer_ReportsStatus(t *testing.T) {
	monitor := NewMonitor(0)
	pinger := &stubPinger{}
	monitor.Register("database", PingCheck(pinger))

	srv, err := NewGRPCServer(monitor, "127.0.0.1:0", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewGRPCServer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	check := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("health check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %s", got)
	}

	pinger.fail(errors.New("down"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() == grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected NOT_SERVING after database went down")
}
