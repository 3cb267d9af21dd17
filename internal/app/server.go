package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
	"github.com/jacklefroy/liquid-abt-sub002/internal/treasury"
	"github.com/jacklefroy/liquid-abt-sub002/internal/webhook"
)

// newServer builds the webhook HTTP listener. Deliveries arrive as
// POST /webhooks/{provider}; the raw body is passed untouched to the
// verification pipeline.
func (a *App) newServer(processor *webhook.Processor, treasuryProc *treasury.Processor, breaker *pricing.Breaker) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/webhooks/", a.handleWebhook(processor, treasuryProc))
	mux.HandleFunc("/admin/breaker/reset", a.handleBreakerReset(breaker))

	return &http.Server{
		Addr:         a.Config.Server.ListenAddr,
		Handler:      mux,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

func (a *App) handleWebhook(processor *webhook.Processor, treasuryProc *treasury.Processor) http.HandlerFunc {
	logger := a.Logger.With().Str("component", "webhook_server").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		provider := strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhooks/"), "/")
		if provider == "" || strings.Contains(provider, "/") {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown webhook path"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, a.Config.Server.MaxBodyBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
			return
		}
		if int64(len(body)) > a.Config.Server.MaxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}

		headers := make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			if len(values) > 0 {
				headers[name] = values[0]
			}
		}

		outcome, err := processor.ProcessWebhook(r.Context(), provider, headers, body, businessProcessor(treasuryProc))
		if err != nil {
			status, payload := faultResponse(err)
			if retryAfter, ok := faults.RetryAfterOf(err); ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			}
			logger.Warn().Err(err).Str("provider", provider).Int("status", status).Msg("webhook rejected")
			writeJSON(w, status, payload)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":         outcome.Event.Status,
			"duplicate":      outcome.Duplicate,
			"event_id":       outcome.Event.Event.ID,
			"correlation_id": outcome.Event.Event.CorrelationID,
		})
	}
}

// handleBreakerReset clears a tripped suspension. Operator-only surface;
// deployments are expected to keep /admin off the public listener.
func (a *App) handleBreakerReset(breaker *pricing.Breaker) http.HandlerFunc {
	logger := a.Logger.With().Str("component", "webhook_server").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		instrument := r.URL.Query().Get("instrument")
		if instrument == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instrument is required"})
			return
		}

		breaker.Reset(instrument)
		logger.Info().Str("instrument", instrument).Msg("suspension cleared by operator")
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "instrument": instrument})
	}
}

// businessProcessor adapts a verified webhook event into the conversion
// pipeline. The provider-qualified event id becomes the idempotency key.
func businessProcessor(treasuryProc *treasury.Processor) webhook.BusinessProcessor {
	return func(ctx context.Context, event *webhook.InboundEvent) (any, error) {
		outcome, err := treasuryProc.ProcessTransaction(ctx, treasury.Payment{
			TransactionID: fmt.Sprintf("%s:%s", event.Provider, event.ID),
			TenantID:      event.TenantID,
			Amount:        event.Amount,
			Currency:      event.Currency,
			Description:   event.EventType,
			OccurredAt:    event.Timestamp,
		})
		if err != nil {
			return nil, err
		}
		if outcome.Purchase != nil {
			return outcome.Purchase.ID, nil
		}
		return outcome.Reason, nil
	}
}

func faultResponse(err error) (int, map[string]string) {
	payload := map[string]string{"error": err.Error(), "kind": faults.KindOf(err).String()}
	switch faults.KindOf(err) {
	case faults.KindSignatureInvalid, faults.KindReplayAttack:
		return http.StatusUnauthorized, payload
	case faults.KindValidation:
		return http.StatusBadRequest, payload
	case faults.KindBusinessRule:
		return http.StatusUnprocessableEntity, payload
	case faults.KindCircuitBreaker:
		return http.StatusServiceUnavailable, payload
	case faults.KindExternalService:
		return http.StatusBadGateway, payload
	default:
		return http.StatusInternalServerError, payload
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
