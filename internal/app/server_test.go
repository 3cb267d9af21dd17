package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jacklefroy/liquid-abt-sub002/internal/config"
	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
	"github.com/jacklefroy/liquid-abt-sub002/internal/webhook"
)

func testApp() *App {
	return NewApp(&config.Config{
		Server: config.ServerConfig{MaxBodyBytes: 1 << 10},
	}, zerolog.Nop())
}

func testHandler() http.HandlerFunc {
	a := testApp()
	registry := webhook.NewRegistry()
	guard := webhook.NewGuard(registry, 0)
	processor := webhook.NewProcessor(registry, guard, webhook.NewDedupCache(0), zerolog.Nop())
	return a.handleWebhook(processor, nil)
}

func TestHandleWebhookMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	testHandler()(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleWebhookUnknownPath(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/", strings.NewReader("{}"))
	testHandler()(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleWebhookBodyTooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(strings.Repeat("x", 2<<10)))
	testHandler()(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleWebhookUnregisteredProvider(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader("{}"))
	testHandler()(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, unregistered providers are a validation failure", rec.Code)
	}
}

func TestHandleBreakerReset(t *testing.T) {
	a := testApp()
	handler := a.handleBreakerReset(pricing.NewBreaker(pricing.Config{}, zerolog.Nop()))

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/admin/breaker/reset?instrument=BTC-AUD", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/admin/breaker/reset", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing instrument status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodPost, "/admin/breaker/reset?instrument=BTC-AUD", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
}

func TestFaultResponseMapping(t *testing.T) {
	cases := []struct {
		kind faults.Kind
		want int
	}{
		{faults.KindSignatureInvalid, http.StatusUnauthorized},
		{faults.KindReplayAttack, http.StatusUnauthorized},
		{faults.KindValidation, http.StatusBadRequest},
		{faults.KindBusinessRule, http.StatusUnprocessableEntity},
		{faults.KindCircuitBreaker, http.StatusServiceUnavailable},
		{faults.KindExternalService, http.StatusBadGateway},
		{faults.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, payload := faultResponse(faults.New(tc.kind, "boom"))
		if status != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.kind, status, tc.want)
		}
		if payload["kind"] != tc.kind.String() {
			t.Errorf("%s: payload kind = %q", tc.kind, payload["kind"])
		}
	}
}
