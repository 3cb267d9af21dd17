// Package pricing maintains rolling price history per instrument and gates
// trade execution behind a circuit breaker. A single Breaker owns all
// mutable state behind a mutex; callers receive snapshots.
package pricing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
)

// Observation is one price reading from one source.
type Observation struct {
	Instrument string
	Price      decimal.Decimal
	Source     string
	Timestamp  time.Time
}

// Status is the gate outcome for a proposed trade.
type Status int

const (
	StatusAllow Status = iota
	StatusAllowReduced
	StatusReject
)

// Result carries the gate outcome. MaxAmount is set for AllowReduced;
// RetryAfter is a hint for rejections that clear with time.
type Result struct {
	Status     Status
	MaxAmount  decimal.Decimal
	Reason     string
	RetryAfter time.Duration
}

// Config tunes the breaker. Zero fields fall back to defaults.
type Config struct {
	MaxPriceChangePct  decimal.Decimal
	MaxSlippagePct     decimal.Decimal
	TimeWindow         time.Duration
	SuspensionDuration time.Duration
	MinDataSources     int
	HistoryRetention   time.Duration
	FlashCrashDropPct  decimal.Decimal
	FlashCrashRecovPct decimal.Decimal
	FlashCrashWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPriceChangePct.Sign() <= 0 {
		c.MaxPriceChangePct = decimal.NewFromInt(10)
	}
	if c.MaxSlippagePct.Sign() <= 0 {
		c.MaxSlippagePct = decimal.NewFromInt(5)
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = 5 * time.Minute
	}
	if c.SuspensionDuration <= 0 {
		c.SuspensionDuration = 15 * time.Minute
	}
	if c.MinDataSources <= 0 {
		c.MinDataSources = 2
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = 24 * time.Hour
	}
	if c.FlashCrashDropPct.Sign() <= 0 {
		c.FlashCrashDropPct = decimal.NewFromInt(5)
	}
	if c.FlashCrashRecovPct.Sign() <= 0 {
		c.FlashCrashRecovPct = decimal.NewFromInt(3)
	}
	if c.FlashCrashWindow <= 0 {
		c.FlashCrashWindow = time.Minute
	}
	return c
}

// TripFunc is invoked (outside the breaker lock) when a suspension starts.
type TripFunc func(instrument, reason string, until time.Time)

// Breaker owns price history and per-instrument suspensions.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	history        map[string][]Observation
	suspendedUntil map[string]time.Time
	logger         zerolog.Logger
	now            func() time.Time
	onTrip         TripFunc
}

// NewBreaker constructs a breaker with the given configuration.
func NewBreaker(cfg Config, logger zerolog.Logger) *Breaker {
	return &Breaker{
		cfg:            cfg.withDefaults(),
		history:        make(map[string][]Observation),
		suspendedUntil: make(map[string]time.Time),
		logger:         logger.With().Str("component", "circuit_breaker").Logger(),
		now:            time.Now,
	}
}

// OnTrip registers a callback for new suspensions. Must be set before
// concurrent use.
func (b *Breaker) OnTrip(fn TripFunc) { b.onTrip = fn }

// Record appends an observation to the instrument's rolling history and
// prunes entries older than the retention window.
func (b *Breaker) Record(obs Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = b.now()
	}
	entries := append(b.history[obs.Instrument], obs)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	cutoff := b.now().Add(-b.cfg.HistoryRetention)
	start := 0
	for start < len(entries) && entries[start].Timestamp.Before(cutoff) {
		start++
	}
	b.history[obs.Instrument] = entries[start:]
}

// History returns a snapshot of the instrument's retained observations.
func (b *Breaker) History(instrument string) []Observation {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.history[instrument]
	out := make([]Observation, len(entries))
	copy(out, entries)
	return out
}

// LatestBySource returns the freshest observation per source no older than
// maxAge, used to corroborate a proposed price across feeds.
func (b *Breaker) LatestBySource(instrument string, maxAge time.Duration) []Observation {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-maxAge)
	latest := make(map[string]Observation)
	for _, obs := range b.history[instrument] {
		if obs.Timestamp.Before(cutoff) {
			continue
		}
		if prev, ok := latest[obs.Source]; !ok || obs.Timestamp.After(prev.Timestamp) {
			latest[obs.Source] = obs
		}
	}

	out := make([]Observation, 0, len(latest))
	for _, obs := range latest {
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Suspend halts trading on the instrument for the given duration.
func (b *Breaker) Suspend(instrument, reason string, duration time.Duration) {
	b.mu.Lock()
	until := b.now().Add(duration)
	b.suspendedUntil[instrument] = until
	b.mu.Unlock()

	b.logger.Warn().
		Str("instrument", instrument).
		Str("reason", reason).
		Time("until", until).
		Msg("trading suspended")

	if b.onTrip != nil {
		b.onTrip(instrument, reason, until)
	}
}

// Reset clears a suspension, for operator use.
func (b *Breaker) Reset(instrument string) {
	b.mu.Lock()
	delete(b.suspendedUntil, instrument)
	b.mu.Unlock()
	b.logger.Info().Str("instrument", instrument).Msg("suspension cleared")
}

// SuspendedUntil reports the active suspension deadline, if any.
func (b *Breaker) SuspendedUntil(instrument string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.suspendedUntil[instrument]
	if !ok || !until.After(b.now()) {
		return time.Time{}, false
	}
	return until, true
}

// ValidateForTrading gates a proposed trade. Suspension is checked first,
// then source corroboration, abnormal movement against the rolling
// history, cross-source slippage, and flash-crash shape. An abnormal
// movement trips a suspension visible to all subsequent calls.
func (b *Breaker) ValidateForTrading(instrument string, proposedPrice, orderAmount decimal.Decimal, observations []Observation) Result {
	now := b.now()

	if until, ok := b.SuspendedUntil(instrument); ok {
		return Result{
			Status:     StatusReject,
			Reason:     fmt.Sprintf("trading suspended until %s", until.UTC().Format(time.RFC3339)),
			RetryAfter: until.Sub(now),
		}
	}

	if len(observations) < b.cfg.MinDataSources {
		return Result{
			Status: StatusReject,
			Reason: fmt.Sprintf("insufficient price sources: have %d, need %d", len(observations), b.cfg.MinDataSources),
		}
	}

	if earliest, ok := b.earliestInWindow(instrument, now); ok {
		change := pctChange(earliest.Price, proposedPrice)
		if change.GreaterThan(b.cfg.MaxPriceChangePct) {
			reason := fmt.Sprintf("price moved %s%% in %s (limit %s%%)",
				change.StringFixed(2), b.cfg.TimeWindow, b.cfg.MaxPriceChangePct.String())
			b.Suspend(instrument, reason, b.cfg.SuspensionDuration)
			return Result{Status: StatusReject, Reason: reason, RetryAfter: b.cfg.SuspensionDuration}
		}
	}

	if deviation := maxPairwiseDeviation(observations); deviation.GreaterThan(b.cfg.MaxSlippagePct) {
		if deviation.GreaterThan(b.cfg.MaxSlippagePct.Mul(decimal.NewFromInt(2))) {
			return Result{
				Status: StatusReject,
				Reason: fmt.Sprintf("price sources disagree by %s%% (limit %s%%)", deviation.StringFixed(2), b.cfg.MaxSlippagePct.String()),
			}
		}
		scaled := orderAmount.Mul(b.cfg.MaxSlippagePct).Div(deviation)
		return Result{
			Status:    StatusAllowReduced,
			MaxAmount: scaled,
			Reason:    fmt.Sprintf("order reduced: source deviation %s%% above %s%%", deviation.StringFixed(2), b.cfg.MaxSlippagePct.String()),
		}
	}

	if b.flashCrashDetected(instrument) {
		return Result{
			Status:     StatusReject,
			Reason:     "flash crash pattern in recent price history",
			RetryAfter: 30 * time.Second,
		}
	}

	return Result{Status: StatusAllow, MaxAmount: orderAmount}
}

// GateError converts a rejection into a circuit-breaker fault.
func GateError(instrument string, result Result) error {
	return &faults.Error{
		Kind:       faults.KindCircuitBreaker,
		Message:    fmt.Sprintf("%s: %s", instrument, result.Reason),
		RetryAfter: result.RetryAfter,
	}
}

func (b *Breaker) earliestInWindow(instrument string, now time.Time) (Observation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.cfg.TimeWindow)
	for _, obs := range b.history[instrument] {
		if !obs.Timestamp.Before(cutoff) {
			return obs, true
		}
	}
	return Observation{}, false
}

const flashCrashLookback = 10

func (b *Breaker) flashCrashDetected(instrument string) bool {
	b.mu.Lock()
	entries := b.history[instrument]
	if len(entries) > flashCrashLookback {
		entries = entries[len(entries)-flashCrashLookback:]
	}
	recent := make([]Observation, len(entries))
	copy(recent, entries)
	b.mu.Unlock()

	for i := 0; i < len(recent); i++ {
		for j := i + 1; j < len(recent); j++ {
			if pctDrop(recent[i].Price, recent[j].Price).LessThan(b.cfg.FlashCrashDropPct) {
				continue
			}
			for k := j + 1; k < len(recent); k++ {
				if recent[k].Timestamp.Sub(recent[i].Timestamp) > b.cfg.FlashCrashWindow {
					break
				}
				if pctGain(recent[j].Price, recent[k].Price).GreaterThanOrEqual(b.cfg.FlashCrashRecovPct) {
					return true
				}
			}
		}
	}
	return false
}

func pctChange(from, to decimal.Decimal) decimal.Decimal {
	if from.Sign() == 0 {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(decimal.NewFromInt(100)).Abs()
}

func pctDrop(from, to decimal.Decimal) decimal.Decimal {
	if from.Sign() == 0 || to.GreaterThanOrEqual(from) {
		return decimal.Zero
	}
	return from.Sub(to).Div(from).Mul(decimal.NewFromInt(100))
}

func pctGain(from, to decimal.Decimal) decimal.Decimal {
	if from.Sign() == 0 || to.LessThanOrEqual(from) {
		return decimal.Zero
	}
	return to.Sub(from).Div(from).Mul(decimal.NewFromInt(100))
}

func maxPairwiseDeviation(observations []Observation) decimal.Decimal {
	max := decimal.Zero
	for i := 0; i < len(observations); i++ {
		for j := i + 1; j < len(observations); j++ {
			lo, hi := observations[i].Price, observations[j].Price
			if lo.GreaterThan(hi) {
				lo, hi = hi, lo
			}
			if lo.Sign() == 0 {
				continue
			}
			dev := hi.Sub(lo).Div(lo).Mul(decimal.NewFromInt(100))
			if dev.GreaterThan(max) {
				max = dev
			}
		}
	}
	return max
}
