// Package webhook implements the inbound event pipeline: provider
// registration, signature and replay verification, duplicate suppression,
// payload parsing, and retried dispatch to the business processor.
package webhook

import (
	"time"

	"github.com/shopspring/decimal"
)

// InboundEvent is one verified webhook delivery, immutable once parsed.
// Identity is (Provider, ID).
type InboundEvent struct {
	ID            string
	Provider      string
	EventType     string
	Timestamp     time.Time
	Signature     string
	RawBody       []byte
	Payload       map[string]any
	CorrelationID string

	// Payment fields extracted by the provider parser.
	TenantID string
	Amount   decimal.Decimal
	Currency string
}

// ProcessedEvent records the outcome of processing one unique event.
// Re-delivery of the same event returns the cached ProcessedEvent instead
// of creating a new one.
type ProcessedEvent struct {
	Event       InboundEvent
	ProcessedAt time.Time
	DurationMs  int64
	Attempts    int
	Status      string // "success" or "failed"
	Result      any
	Error       string
}

// Outcome is the ProcessWebhook return value.
type Outcome struct {
	Success   bool
	Duplicate bool
	Event     ProcessedEvent
}
