package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote() Notification {
	return Notification{
		Event:      EventCircuitTrip,
		Timestamp:  time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Instrument: "BTC-AUD",
		Reason:     "price moved 11.05% in 5m0s (limit 10%)",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("path should contain sendMessage, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id wrong: %#v", received)
	}
	if !strings.Contains(received["text"], "Trading suspended") {
		t.Fatalf("text = %q", received["text"])
	}
	if !strings.Contains(received["text"], "BTC-AUD") {
		t.Fatalf("text must name the instrument: %q", received["text"])
	}
}

func TestTelegramNotifierRejectsNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false must error")
	}
}

func TestRenderMessageExhausted(t *testing.T) {
	text := renderMessage(Notification{
		Event:         EventRetriesExhausted,
		Timestamp:     time.Now(),
		TenantID:      "tenant1",
		TransactionID: "tx-1",
		Amount:        decimal.NewFromInt(500),
		RetryCount:    5,
		Reason:        "exchange unavailable",
	})
	for _, want := range []string{"Conversion abandoned", "tenant1", "tx-1", "500.00 AUD", "Retries: 5"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}
}
