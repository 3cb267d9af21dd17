package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func TestGetCurrentPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ticker/BTC-AUD" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"instrument": "BTC-AUD",
			"lastPrice":  "98500.25",
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second, Source: "exchange"}, noopLogger())
	obs, err := c.GetCurrentPrice(context.Background(), "BTC-AUD")
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}
	if !obs.Price.Equal(decimal.RequireFromString("98500.25")) {
		t.Fatalf("price = %s", obs.Price)
	}
	if obs.Source != "exchange" || obs.Instrument != "BTC-AUD" {
		t.Fatalf("observation metadata wrong: %+v", obs)
	}
}

func TestCreateMarketOrderSuccess(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key" {
			t.Fatal("request must carry the api key header")
		}
		if r.Header.Get("X-Api-Signature") == "" {
			t.Fatal("request must be signed")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"orderId":      "ord-123",
			"status":       "filled",
			"filledAmount": "0.00253",
			"averagePrice": "98765.43",
			"fees":         []map[string]any{{"currency": "AUD", "amount": "1.25"}},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "key", APISecret: "secret", Timeout: time.Second}, noopLogger())
	result, err := c.CreateMarketOrder(context.Background(), OrderRequest{
		Instrument: "BTC-AUD",
		FiatValue:  decimal.RequireFromString("250"),
		Currency:   "AUD",
	})
	if err != nil {
		t.Fatalf("CreateMarketOrder: %v", err)
	}
	if result.OrderID != "ord-123" || !result.Filled() {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !result.FilledAmount.Equal(decimal.RequireFromString("0.00253")) {
		t.Fatalf("filled amount = %s", result.FilledAmount)
	}
	if gotBody["side"] != "buy" || gotBody["fiatValue"] != "250" {
		t.Fatalf("unexpected payload: %#v", gotBody)
	}
	if len(result.Raw) == 0 {
		t.Fatal("raw exchange response must be preserved")
	}
}

func TestOrderErrorCarriesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "INSUFFICIENT_FUNDS", "message": "insufficient funds"})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := c.CreateMarketOrder(context.Background(), OrderRequest{
		Instrument: "BTC-AUD",
		FiatValue:  decimal.RequireFromString("250"),
		Currency:   "AUD",
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var fe *faults.Error
	if !errors.As(err, &fe) {
		t.Fatalf("want faults.Error, got %T", err)
	}
	if fe.HTTPStatus != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", fe.HTTPStatus)
	}
	if faults.Retryable(err) {
		t.Fatal("insufficient funds must not be retryable")
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := c.GetCurrentPrice(context.Background(), "BTC-AUD")
	if err == nil {
		t.Fatal("expected error")
	}
	if !faults.Retryable(err) {
		t.Fatal("5xx must be retryable")
	}
}

func TestWithdrawValidation(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://localhost:0", Timeout: time.Second}, noopLogger())

	if _, err := c.Withdraw(context.Background(), WithdrawalRequest{Currency: "BTC", Amount: decimal.NewFromInt(1)}); err == nil {
		t.Fatal("missing address must error")
	}
	if _, err := c.Withdraw(context.Background(), WithdrawalRequest{Currency: "BTC", Address: "bc1q..."}); err == nil {
		t.Fatal("zero amount must error")
	}
}

func TestWithdrawSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/withdrawals" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"withdrawalId": "wd-9", "status": "pending"})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	result, err := c.Withdraw(context.Background(), WithdrawalRequest{
		Currency: "BTC",
		Amount:   decimal.RequireFromString("0.01"),
		Address:  "bc1qexample",
	})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if result.WithdrawalID != "wd-9" || result.Status != "pending" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
