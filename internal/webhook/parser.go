package webhook

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
)

// EventDetails is the provider-independent view of a payment event.
type EventDetails struct {
	ID        string
	Type      string
	Timestamp time.Time
	TenantID  string
	Amount    decimal.Decimal
	Currency  string
}

// ExtractFunc maps a provider payload to EventDetails. Entries are pure
// functions; adding a provider means adding one entry to the table.
type ExtractFunc func(payload map[string]any, headers map[string]string) (EventDetails, error)

// DefaultParsers returns the provider parser table.
func DefaultParsers() map[string]ExtractFunc {
	return map[string]ExtractFunc{
		"stripe":  extractStripe,
		"square":  extractSquare,
		"paypal":  extractPayPal,
		"generic": extractGeneric,
	}
}

var centDivisor = decimal.NewFromInt(100)

func extractStripe(payload map[string]any, _ map[string]string) (EventDetails, error) {
	details := EventDetails{
		ID:   str(payload, "id"),
		Type: str(payload, "type"),
	}
	if details.ID == "" {
		return EventDetails{}, faults.New(faults.KindValidation, "stripe event missing id")
	}
	if created, ok := num(payload, "created"); ok {
		details.Timestamp = time.Unix(int64(created), 0).UTC()
	}

	object := dig(payload, "data", "object")
	details.TenantID = str(payload, "account")
	if details.TenantID == "" {
		details.TenantID = str(dig(object, "metadata"), "tenant_id")
	}

	if cents, ok := num(object, "amount_received"); ok {
		details.Amount = decimal.NewFromFloat(cents).Div(centDivisor)
	} else if cents, ok := num(object, "amount"); ok {
		details.Amount = decimal.NewFromFloat(cents).Div(centDivisor)
	}
	details.Currency = upper(str(object, "currency"))
	return details, nil
}

func extractSquare(payload map[string]any, _ map[string]string) (EventDetails, error) {
	details := EventDetails{
		ID:       str(payload, "event_id"),
		Type:     str(payload, "type"),
		TenantID: str(payload, "merchant_id"),
	}
	if details.ID == "" {
		details.ID = str(payload, "id")
	}
	if details.ID == "" {
		return EventDetails{}, faults.New(faults.KindValidation, "square event missing event_id")
	}
	if created := str(payload, "created_at"); created != "" {
		ts, err := time.Parse(time.RFC3339, created)
		if err != nil {
			return EventDetails{}, faults.New(faults.KindValidation, "square event has malformed created_at")
		}
		details.Timestamp = ts.UTC()
	}

	money := dig(payload, "data", "object", "payment", "amount_money")
	if cents, ok := num(money, "amount"); ok {
		details.Amount = decimal.NewFromFloat(cents).Div(centDivisor)
	}
	details.Currency = upper(str(money, "currency"))
	return details, nil
}

func extractPayPal(payload map[string]any, _ map[string]string) (EventDetails, error) {
	details := EventDetails{
		ID:   str(payload, "id"),
		Type: str(payload, "event_type"),
	}
	if details.ID == "" {
		return EventDetails{}, faults.New(faults.KindValidation, "paypal event missing id")
	}
	if created := str(payload, "create_time"); created != "" {
		ts, err := time.Parse(time.RFC3339, created)
		if err != nil {
			return EventDetails{}, faults.New(faults.KindValidation, "paypal event has malformed create_time")
		}
		details.Timestamp = ts.UTC()
	}

	resource := dig(payload, "resource")
	details.TenantID = str(resource, "custom_id")

	amount := dig(resource, "amount")
	if value := str(amount, "value"); value != "" {
		parsed, err := decimal.NewFromString(value)
		if err != nil {
			return EventDetails{}, faults.New(faults.KindValidation, "paypal amount is not numeric")
		}
		details.Amount = parsed
	}
	details.Currency = upper(str(amount, "currency_code"))
	return details, nil
}

func extractGeneric(payload map[string]any, _ map[string]string) (EventDetails, error) {
	details := EventDetails{
		ID:       firstStr(payload, "id", "event_id"),
		Type:     firstStr(payload, "type", "event_type"),
		TenantID: str(payload, "tenant_id"),
	}
	if details.ID == "" {
		return EventDetails{}, faults.New(faults.KindValidation, "event missing id")
	}

	switch raw := payload["timestamp"].(type) {
	case string:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return EventDetails{}, faults.New(faults.KindValidation, "event has malformed timestamp")
		}
		details.Timestamp = ts.UTC()
	case float64:
		details.Timestamp = time.Unix(int64(raw), 0).UTC()
	}

	switch raw := payload["amount"].(type) {
	case string:
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return EventDetails{}, faults.New(faults.KindValidation, "event amount is not numeric")
		}
		details.Amount = parsed
	case float64:
		details.Amount = decimal.NewFromFloat(raw)
	}
	details.Currency = upper(str(payload, "currency"))
	return details, nil
}

func dig(payload map[string]any, path ...string) map[string]any {
	current := payload
	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}

func str(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	value, _ := payload[key].(string)
	return value
}

func firstStr(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := str(payload, key); value != "" {
			return value
		}
	}
	return ""
}

func num(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch value := payload[key].(type) {
	case float64:
		return value, true
	case string:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func upper(v string) string {
	return strings.ToUpper(v)
}
