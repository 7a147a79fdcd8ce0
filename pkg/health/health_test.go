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
)

func staticCheck(status Status) CheckFunc {
	return func(context.Context) Check {
		return Check{Status: status}
	}
}

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker(0)

	if hc.timeout != DefaultCheckTimeout {
		t.Errorf("timeout = %v, want %v", hc.timeout, DefaultCheckTimeout)
	}
	if hc.checks == nil || hc.readyChecks == nil || hc.liveChecks == nil {
		t.Fatal("check maps not initialized")
	}
}

func TestCheckSetsAreSeparate(t *testing.T) {
	hc := NewHealthChecker(time.Second)

	var general, ready, live int
	hc.RegisterCheck("general", func(context.Context) Check { general++; return Check{Status: StatusHealthy} })
	hc.RegisterReadinessCheck("ready", func(context.Context) Check { ready++; return Check{Status: StatusHealthy} })
	hc.RegisterLivenessCheck("live", func(context.Context) Check { live++; return Check{Status: StatusHealthy} })

	ctx := context.Background()
	hc.Check(ctx)
	hc.CheckReadiness(ctx)
	hc.CheckReadiness(ctx)
	hc.CheckLiveness(ctx)

	if general != 1 || ready != 2 || live != 1 {
		t.Errorf("calls = %d/%d/%d, want 1/2/1", general, ready, live)
	}
}

func TestCheckStatusAggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		expected Status
	}{
		{"empty is healthy", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(time.Second)
			for i, s := range tt.statuses {
				hc.RegisterCheck(string(rune('a'+i)), staticCheck(s))
			}

			resp := hc.Check(context.Background())
			if resp.Status != tt.expected {
				t.Errorf("status = %s, want %s", resp.Status, tt.expected)
			}
			if len(resp.Checks) != len(tt.statuses) {
				t.Errorf("checks = %d, want %d", len(resp.Checks), len(tt.statuses))
			}
		})
	}
}

func TestCheckFillsNameAndTiming(t *testing.T) {
	hc := NewHealthChecker(time.Second)
	hc.RegisterCheck("slow", func(context.Context) Check {
		time.Sleep(5 * time.Millisecond)
		return Check{Status: StatusHealthy}
	})

	before := time.Now()
	check := hc.Check(context.Background()).Checks["slow"]

	if check.Name != "slow" {
		t.Errorf("name = %q, want slow", check.Name)
	}
	if check.Duration < 5*time.Millisecond {
		t.Errorf("duration = %v, want >= 5ms", check.Duration)
	}
	if check.LastChecked.Before(before) {
		t.Error("last checked predates the call")
	}
}

func TestCheckAppliesTimeout(t *testing.T) {
	hc := NewHealthChecker(20 * time.Millisecond)
	hc.RegisterCheck("blocked", func(ctx context.Context) Check {
		<-ctx.Done()
		return Check{Status: StatusUnhealthy, Message: ctx.Err().Error()}
	})

	done := make(chan Response, 1)
	go func() { done <- hc.Check(context.Background()) }()

	select {
	case resp := <-done:
		if resp.Checks["blocked"].Message != context.DeadlineExceeded.Error() {
			t.Errorf("message = %q", resp.Checks["blocked"].Message)
		}
	case <-time.After(time.Second):
		t.Fatal("check was not bounded by the checker timeout")
	}
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(context.Context) error { return nil })(context.Background())
	if ok.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", ok.Status)
	}

	failed := DatabaseCheck(func(context.Context) error { return errors.New("connection refused") })(context.Background())
	if failed.Status != StatusUnhealthy || failed.Message != "connection refused" {
		t.Errorf("got %s %q", failed.Status, failed.Message)
	}
}

func TestTransportCheck(t *testing.T) {
	tests := []struct {
		name     string
		members  int
		expected Status
	}{
		{"not joined", 0, StatusUnhealthy},
		{"partial view", 2, StatusDegraded},
		{"full view", 3, StatusHealthy},
		{"extra members", 4, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := TransportCheck(3, func() TransportView {
				return TransportView{Members: tt.members, Coordinator: "a"}
			})(context.Background())

			if check.Status != tt.expected {
				t.Errorf("status = %s, want %s", check.Status, tt.expected)
			}
			if check.Details["members"] != tt.members {
				t.Errorf("members detail = %v", check.Details["members"])
			}
		})
	}
}

func TestElectionCheck(t *testing.T) {
	tests := []struct {
		name     string
		status   ElectionStatus
		expected Status
	}{
		{"offline", ElectionStatus{State: "offline", Observable: true}, StatusUnhealthy},
		{"host", ElectionStatus{State: "host", Host: true, Observable: true, Token: 4}, StatusHealthy},
		{"backup", ElectionStatus{State: "backup", Observable: true}, StatusHealthy},
		{"not observable", ElectionStatus{State: "host", Host: true}, StatusDegraded},
		{"missing heartbeats", ElectionStatus{State: "ready", Observable: true, Missed: 2}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ElectionCheck(func() ElectionStatus { return tt.status })(context.Background())
			if check.Status != tt.expected {
				t.Errorf("status = %s, want %s (%s)", check.Status, tt.expected, check.Message)
			}
		})
	}
}

func TestArbiterCheck(t *testing.T) {
	ok := ArbiterCheck("/mnt/witness/a.token", func(context.Context) error { return nil })(context.Background())
	if ok.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", ok.Status)
	}
	if ok.Details["witness"] != "/mnt/witness/a.token" {
		t.Errorf("witness detail = %v", ok.Details["witness"])
	}

	failed := ArbiterCheck("s3://bucket/a", func(context.Context) error { return errors.New("timeout") })(context.Background())
	if failed.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", failed.Status)
	}
}

func TestMemoryCheck(t *testing.T) {
	tests := []struct {
		name       string
		alloc, sys uint64
		expected   Status
	}{
		{"normal", 100, 1000, StatusHealthy},
		{"high", 950, 1000, StatusDegraded},
		{"no sys figure", 10, 0, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := MemoryCheck(func() (uint64, uint64) { return tt.alloc, tt.sys })(context.Background())
			if check.Status != tt.expected {
				t.Errorf("status = %s, want %s", check.Status, tt.expected)
			}
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name         string
		checkStatus  Status
		expectedCode int
	}{
		{"healthy returns 200", StatusHealthy, http.StatusOK},
		{"degraded returns 200", StatusDegraded, http.StatusOK},
		{"unhealthy returns 503", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(time.Second)
			hc.RegisterCheck("test", staticCheck(tt.checkStatus))

			rec := httptest.NewRecorder()
			hc.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.expectedCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.expectedCode)
			}
			if rec.Header().Get("Content-Type") != "application/json" {
				t.Error("expected Content-Type application/json")
			}

			var resp Response
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Status != tt.checkStatus {
				t.Errorf("status = %s, want %s", resp.Status, tt.checkStatus)
			}
		})
	}
}

func TestBinaryHandlers(t *testing.T) {
	tests := []struct {
		name         string
		checkStatus  Status
		expectedCode int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusServiceUnavailable},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(time.Second)
			hc.RegisterReadinessCheck("election", staticCheck(tt.checkStatus))
			hc.RegisterLivenessCheck("memory", staticCheck(tt.checkStatus))

			ready := httptest.NewRecorder()
			hc.ReadinessHandler()(ready, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			if ready.Code != tt.expectedCode {
				t.Errorf("readiness code = %d, want %d", ready.Code, tt.expectedCode)
			}

			live := httptest.NewRecorder()
			hc.LivenessHandler()(live, httptest.NewRequest(http.MethodGet, "/health/live", nil))
			if live.Code != tt.expectedCode {
				t.Errorf("liveness code = %d, want %d", live.Code, tt.expectedCode)
			}
		})
	}
}

func TestConcurrentCheckRegistration(t *testing.T) {
	hc := NewHealthChecker(time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			hc.RegisterCheck(string(rune('a'+i)), staticCheck(StatusHealthy))
		}(i)
		go func() {
			defer wg.Done()
			hc.Check(ctx)
		}()
	}
	wg.Wait()

	if got := len(hc.Check(ctx).Checks); got != 20 {
		t.Errorf("checks = %d, want 20", got)
	}
}

func TestResponseJSONSerialization(t *testing.T) {
	resp := Response{
		Status:    StatusDegraded,
		Timestamp: time.Now(),
		Uptime:    12.5,
		Checks: map[string]Check{
			"transport": {Name: "transport", Status: StatusDegraded, Details: map[string]any{"members": 2}},
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["status"] != "degraded" || raw["uptime_seconds"] != 12.5 {
		t.Errorf("unexpected payload: %s", data)
	}
}
