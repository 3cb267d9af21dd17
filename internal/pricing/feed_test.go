package pricing

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestFeed(t *testing.T, b *Breaker) *Feed {
	t.Helper()
	return NewFeed(FeedOptions{Source: "ws-feed", Instruments: []string{"BTC-AUD"}}, b, zerolog.Nop())
}

func TestHandleMessageRecordsTicker(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, now)
	f := newTestFeed(t, b)

	payload, _ := json.Marshal(tickerMessage{
		Channel:    "ticker",
		Instrument: "BTC-AUD",
		Price:      "100250.50",
		Timestamp:  now.UnixMilli(),
	})
	f.handleMessage(payload)

	latest := b.LatestBySource("BTC-AUD", time.Minute)
	if len(latest) != 1 {
		t.Fatalf("observations = %d, want 1", len(latest))
	}
	obs := latest[0]
	if obs.Source != "ws-feed" {
		t.Fatalf("source = %q", obs.Source)
	}
	if !obs.Price.Equal(d("100250.50")) {
		t.Fatalf("price = %s", obs.Price)
	}
	if !obs.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v", obs.Timestamp)
	}
}

func TestHandleMessageSkipsMalformed(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	b := newTestBreaker(t, now)
	f := newTestFeed(t, b)

	for _, payload := range []string{
		`not json`,
		`{"channel":"ticker"}`,
		`{"channel":"ticker","instrument":"BTC-AUD","price":"abc"}`,
		`{"channel":"ticker","instrument":"BTC-AUD","price":"-5"}`,
		`{"channel":"ticker","instrument":"BTC-AUD","price":"0"}`,
	} {
		f.handleMessage([]byte(payload))
	}

	if latest := b.LatestBySource("BTC-AUD", time.Minute); len(latest) != 0 {
		t.Fatalf("observations = %d, malformed messages must be dropped", len(latest))
	}
}

func TestFeedBackoffCapped(t *testing.T) {
	b := newTestBreaker(t, time.Now())
	f := newTestFeed(t, b)
	f.backoff = feedMaxBackoff

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.waitBackoff(ctx)

	if f.backoff != feedMaxBackoff {
		t.Fatalf("backoff = %v, must stay capped at %v", f.backoff, feedMaxBackoff)
	}
}
