package pricing

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// QuoteFunc fetches a fresh observation for one instrument.
type QuoteFunc func(ctx context.Context, instrument string) (Observation, error)

// Poller feeds scheduled REST quotes into the breaker history as a second
// corroborating source alongside the websocket feed.
type Poller struct {
	quote       QuoteFunc
	breaker     *Breaker
	instruments []string
	logger      zerolog.Logger
}

// NewPoller constructs a poller.
func NewPoller(quote QuoteFunc, breaker *Breaker, instruments []string, logger zerolog.Logger) *Poller {
	return &Poller{
		quote:       quote,
		breaker:     breaker,
		instruments: instruments,
		logger:      logger.With().Str("component", "price_poller").Logger(),
	}
}

// Tick fetches and records one quote per instrument. Matches the
// scheduler's TickFunc signature.
func (p *Poller) Tick(ctx context.Context, _ time.Time) error {
	for _, instrument := range p.instruments {
		obs, err := p.quote(ctx, instrument)
		if err != nil {
			p.logger.Warn().Err(err).Str("instrument", instrument).Msg("quote fetch failed")
			continue
		}
		p.breaker.Record(obs)
	}
	return nil
}
