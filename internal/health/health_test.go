package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	memmock "github.com/hibikichat/hibiki/pkg/memory/mock"
	llmmock "github.com/hibikichat/hibiki/pkg/provider/llm/mock"
)

// readyz runs one readiness request and decodes the body.
func readyz(t *testing.T, h *Handler) (int, report) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode readiness body: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AliveProcessIsHealthy(t *testing.T) {
	// Even with failing dependencies registered, liveness stays green.
	h := New(Checker{Name: "memory-store", Check: func(context.Context) error {
		return errors.New("connection refused")
	}})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz_ReadyDeployment(t *testing.T) {
	h := New(
		StoreChecker(&memmock.Backend{}),
		ProviderChecker(&llmmock.Provider{Model: "gpt-4o"}),
	)

	code, body := readyz(t, h)
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	for _, name := range []string{"memory-store", "completion-provider"} {
		cr, ok := body.Checks[name]
		if !ok {
			t.Fatalf("check %q missing from body: %+v", name, body.Checks)
		}
		if cr.Status != "ok" {
			t.Errorf("check %q = %+v, want ok", name, cr)
		}
		if cr.Error != "" {
			t.Errorf("check %q carries an error on success: %q", name, cr.Error)
		}
	}
}

func TestReadyz_StoreOutage(t *testing.T) {
	h := New(
		StoreChecker(&memmock.Backend{PingErr: errors.New("connection refused")}),
		ProviderChecker(&llmmock.Provider{Model: "gpt-4o"}),
	)

	code, body := readyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}

	store := body.Checks["memory-store"]
	if store.Status != "fail" || store.Error != "connection refused" {
		t.Errorf("memory-store = %+v, want fail with the ping error", store)
	}
	// The healthy provider still reports ok alongside the failure.
	if prov := body.Checks["completion-provider"]; prov.Status != "ok" {
		t.Errorf("completion-provider = %+v, want ok", prov)
	}
}

func TestReadyz_ReportsEveryFailedDependency(t *testing.T) {
	h := New(
		StoreChecker(&memmock.Backend{PingErr: errors.New("timeout")}),
		ProviderChecker(nil),
	)

	code, body := readyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if got := body.Checks["memory-store"].Error; got != "timeout" {
		t.Errorf("memory-store error = %q, want timeout", got)
	}
	if got := body.Checks["completion-provider"].Error; got == "" {
		t.Error("completion-provider failure missing its error detail")
	}
}

func TestReadyz_NoCheckersMeansReady(t *testing.T) {
	code, body := readyz(t, New())
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz_CheckSeesRequestCancellation(t *testing.T) {
	h := New(Checker{Name: "memory-store", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_MountsBothEndpoints(t *testing.T) {
	h := New(StoreChecker(&memmock.Backend{}))

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}
