package pricing

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	feedInitialBackoff = time.Second
	feedMaxBackoff     = time.Minute
	feedBackoffFactor  = 2.0
	feedJitterPercent  = 0.2
	feedWriteTimeout   = 10 * time.Second
)

// FeedOptions parameterise the websocket ticker feed.
type FeedOptions struct {
	URL         string
	Source      string
	Instruments []string
}

// Feed streams ticker messages from an exchange websocket into the
// breaker's price history, reconnecting with backoff on failure.
type Feed struct {
	opts    FeedOptions
	breaker *Breaker
	logger  zerolog.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	backoff time.Duration
	wg      sync.WaitGroup
}

// NewFeed constructs a feed bound to a breaker.
func NewFeed(opts FeedOptions, breaker *Breaker, logger zerolog.Logger) *Feed {
	return &Feed{
		opts:    opts,
		breaker: breaker,
		logger:  logger.With().Str("component", "price_feed").Str("source", opts.Source).Logger(),
		backoff: feedInitialBackoff,
	}
}

// Start launches the connect/read loop until ctx is cancelled.
func (f *Feed) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.runLoop(ctx)
}

// Wait blocks until the feed goroutine exits.
func (f *Feed) Wait() { f.wg.Wait() }

func (f *Feed) runLoop(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			f.closeConnection()
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			f.logger.Error().Err(err).Dur("backoff", f.backoff).Msg("feed connect failed")
			f.waitBackoff(ctx)
			continue
		}
		f.backoff = feedInitialBackoff

		if err := f.readLoop(ctx); err != nil {
			f.logger.Warn().Err(err).Msg("feed read terminated")
		}
		f.closeConnection()

		select {
		case <-ctx.Done():
			return
		default:
			f.waitBackoff(ctx)
		}
	}
}

func (f *Feed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.opts.URL, nil)
	if err != nil {
		return err
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	sub := subscribeMessage{Event: "subscribe", Channel: "ticker", Instruments: f.opts.Instruments}
	conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	f.logger.Info().Str("url", f.opts.URL).Strs("instruments", f.opts.Instruments).Msg("feed connected")
	return nil
}

func (f *Feed) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()
		if conn == nil {
			return nil
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(payload)
	}
}

func (f *Feed) handleMessage(payload []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		f.logger.Debug().Err(err).Msg("skipping unparseable feed message")
		return
	}
	if msg.Instrument == "" || msg.Price == "" {
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.Sign() <= 0 {
		f.logger.Debug().Str("price", msg.Price).Msg("skipping invalid feed price")
		return
	}

	ts := time.Now().UTC()
	if msg.Timestamp > 0 {
		ts = time.UnixMilli(msg.Timestamp).UTC()
	}

	f.breaker.Record(Observation{
		Instrument: msg.Instrument,
		Price:      price,
		Source:     f.opts.Source,
		Timestamp:  ts,
	})
}

func (f *Feed) closeConnection() {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

func (f *Feed) waitBackoff(ctx context.Context) {
	jitter := time.Duration(rand.Float64() * feedJitterPercent * float64(f.backoff))
	timer := time.NewTimer(f.backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	f.backoff = time.Duration(float64(f.backoff) * feedBackoffFactor)
	if f.backoff > feedMaxBackoff {
		f.backoff = feedMaxBackoff
	}
}

type subscribeMessage struct {
	Event       string   `json:"event"`
	Channel     string   `json:"channel"`
	Instruments []string `json:"instruments"`
}

type tickerMessage struct {
	Channel    string `json:"channel"`
	Instrument string `json:"instrument"`
	Price      string `json:"price"`
	Timestamp  int64  `json:"timestamp"`
}
