package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthResponseReportsBuildVersion(t *testing.T) {
	SetVersion("1.4.2")
	defer SetVersion("dev")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	HealthHandler()(rec, req)

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if resp.Version != "1.4.2" {
		t.Errorf("version = %q, want 1.4.2", resp.Version)
	}
}

func TestSetVersionIgnoresEmpty(t *testing.T) {
	SetVersion("2.0.0")
	defer SetVersion("dev")

	SetVersion("")
	if got := buildVersion(); got != "2.0.0" {
		t.Errorf("version = %q, want 2.0.0", got)
	}
}

func TestCriticalCheckFailureIsUnhealthy(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(SnapshotCheck(func(ctx context.Context) error {
		return errors.New("store unreachable")
	}))
	hc.RegisterCheck(PlatformCheck(func() bool { return true }))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("status = %s, want unhealthy", resp.Status)
	}
	if resp.Checks["snapshot"].Status != HealthStatusUnhealthy {
		t.Errorf("snapshot check = %+v", resp.Checks["snapshot"])
	}
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	hc := &HealthChecker{checks: make(map[string]*HealthCheck)}
	hc.RegisterCheck(PlatformCheck(func() bool { return false }))

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusDegraded {
		t.Errorf("status = %s, want degraded", resp.Status)
	}
}
