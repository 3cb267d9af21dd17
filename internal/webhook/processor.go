package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
	"github.com/jacklefroy/liquid-abt-sub002/internal/retry"
)

// BusinessProcessor handles a verified, deduplicated event. Typically it
// runs the conversion pipeline and returns the purchase id.
type BusinessProcessor func(ctx context.Context, event *InboundEvent) (any, error)

// Processor is the single entry point for webhook deliveries. It is
// transport-agnostic: callers hand it (headers, rawBody) however they
// received them.
type Processor struct {
	registry *Registry
	guard    *Guard
	dedup    *DedupCache
	parsers  map[string]ExtractFunc
	policy   retry.Policy
	logger   zerolog.Logger
	now      func() time.Time
}

// NewProcessor wires the pipeline stages together.
func NewProcessor(registry *Registry, guard *Guard, dedup *DedupCache, logger zerolog.Logger) *Processor {
	return &Processor{
		registry: registry,
		guard:    guard,
		dedup:    dedup,
		parsers:  DefaultParsers(),
		policy:   retry.WebhookPolicy(),
		logger:   logger.With().Str("component", "webhook_processor").Logger(),
		now:      time.Now,
	}
}

// ProcessWebhook verifies, deduplicates, and dispatches one delivery.
// Signature and replay failures return before process is ever invoked; a
// duplicate delivery returns the original outcome with Duplicate set.
func (p *Processor) ProcessWebhook(ctx context.Context, provider string, headers map[string]string, rawBody []byte, process BusinessProcessor) (Outcome, error) {
	cfg, ok := p.registry.Get(provider)
	if !ok {
		return Outcome{}, faults.Newf(faults.KindValidation, "provider %q not registered", provider)
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return Outcome{}, faults.Wrap(faults.KindValidation, err, "malformed event payload")
	}

	extract, ok := p.parsers[provider]
	if !ok {
		extract = extractGeneric
	}
	details, err := extract(payload, headers)
	if err != nil {
		return Outcome{}, err
	}

	signature := headerValue(headers, cfg.SignatureHeader)
	event := &InboundEvent{
		ID:            details.ID,
		Provider:      provider,
		EventType:     details.Type,
		Timestamp:     details.Timestamp,
		Signature:     signature,
		RawBody:       rawBody,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
		TenantID:      details.TenantID,
		Amount:        details.Amount,
		Currency:      details.Currency,
	}

	logger := p.logger.With().
		Str("provider", provider).
		Str("event_id", event.ID).
		Str("correlation_id", event.CorrelationID).
		Logger()

	if err := p.guard.Verify(provider, signature, rawBody, details.Timestamp); err != nil {
		logger.Warn().Err(err).Msg("event rejected by signature guard")
		return Outcome{}, err
	}

	if cached, duplicate := p.dedup.CheckAndReserve(provider, event.ID); duplicate {
		logger.Info().Msg("duplicate delivery, returning cached result")
		return Outcome{Success: cached.Status == "success", Duplicate: true, Event: cached}, nil
	}

	start := p.now()
	attempts := 0
	result, err := retry.Do(ctx, logger, p.policy, "webhook_processing", func(ctx context.Context) (any, error) {
		attempts++
		return process(ctx, event)
	})

	processed := ProcessedEvent{
		Event:       *event,
		ProcessedAt: p.now(),
		DurationMs:  p.now().Sub(start).Milliseconds(),
		Attempts:    attempts,
	}

	if err != nil {
		processed.Status = "failed"
		processed.Error = err.Error()
		logger.Error().Err(err).Int("attempts", attempts).Msg("event processing failed")
		return Outcome{Success: false, Event: processed}, err
	}

	processed.Status = "success"
	processed.Result = result
	p.dedup.Store(provider, event.ID, processed)

	logger.Info().
		Int("attempts", attempts).
		Int64("duration_ms", processed.DurationMs).
		Msg("event processed")
	return Outcome{Success: true, Event: processed}, nil
}

func headerValue(headers map[string]string, name string) string {
	if value, ok := headers[name]; ok {
		return value
	}
	canonical := http.CanonicalHeaderKey(name)
	if value, ok := headers[canonical]; ok {
		return value
	}
	for key, value := range headers {
		if http.CanonicalHeaderKey(key) == canonical {
			return value
		}
	}
	return ""
}
