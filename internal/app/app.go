// Package app wires configuration into running components and backs each
// CLI command.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/alerting"
	"github.com/jacklefroy/liquid-abt-sub002/internal/config"
	"github.com/jacklefroy/liquid-abt-sub002/internal/exchange"
	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
	"github.com/jacklefroy/liquid-abt-sub002/internal/rules"
	"github.com/jacklefroy/liquid-abt-sub002/internal/scheduler"
	"github.com/jacklefroy/liquid-abt-sub002/internal/storage"
	"github.com/jacklefroy/liquid-abt-sub002/internal/treasury"
	"github.com/jacklefroy/liquid-abt-sub002/internal/webhook"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.URL == "" {
		return nil, nil, errors.New("database.url not configured")
	}

	pool, err := storage.Open(ctx, storage.Options{
		URL:            a.Config.Database.URL,
		MaxConns:       a.Config.Database.MaxConns,
		MinConns:       a.Config.Database.MinConns,
		ConnectTimeout: a.Config.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newExchange() *exchange.Client {
	cfg := a.Config.Exchange
	return exchange.NewClient(exchange.Options{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Source:    cfg.Provider,
		Timeout:   cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) newBreaker() *pricing.Breaker {
	cfg := a.Config.CircuitBreaker
	return pricing.NewBreaker(pricing.Config{
		MaxPriceChangePct:  decimal.NewFromFloat(cfg.MaxPriceChangePct),
		MaxSlippagePct:     decimal.NewFromFloat(cfg.MaxSlippagePct),
		TimeWindow:         cfg.TimeWindow,
		SuspensionDuration: cfg.SuspensionDuration,
		MinDataSources:     cfg.MinDataSources,
		HistoryRetention:   cfg.HistoryRetention,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NopNotifier{}
}

func (a *App) newWebhookProcessor() (*webhook.Processor, error) {
	registry := webhook.NewRegistry()
	for name, provider := range a.Config.Webhook.Providers {
		err := registry.Register(name, webhook.ProviderConfig{
			SigningSecret:      provider.SigningSecret,
			SignatureHeader:    provider.SignatureHeader,
			Algorithm:          provider.Algorithm,
			TimestampTolerance: provider.TimestampTolerance,
			RSAPublicKeyPEM:    provider.RSAPublicKeyPEM,
		})
		if err != nil {
			return nil, fmt.Errorf("register webhook provider: %w", err)
		}
	}

	guard := webhook.NewGuard(registry, a.Config.Webhook.ReplayWindow)
	dedup := webhook.NewDedupCache(a.Config.Webhook.DedupTTL)
	return webhook.NewProcessor(registry, guard, dedup, a.Logger), nil
}

func (a *App) tierLimits() map[string]rules.TierLimits {
	tiers := make(map[string]rules.TierLimits, len(a.Config.Tiers))
	for name, tier := range a.Config.Tiers {
		tiers[name] = rules.TierLimits{
			MaxPercentage:        decimal.NewFromFloat(tier.MaxPercentage),
			MaxSingleTransaction: decimal.NewFromFloat(tier.MaxSingleTransaction),
		}
	}
	return tiers
}

// pipeline bundles the executing components shared by run and replay.
type pipeline struct {
	store     *storage.Store
	breaker   *pricing.Breaker
	venue     *exchange.Client
	executor  *treasury.Executor
	processor *treasury.Processor
	notifier  alerting.Notifier
}

func (a *App) buildPipeline(store *storage.Store) *pipeline {
	breaker := a.newBreaker()
	venue := a.newExchange()
	notifier := a.newNotifier()

	breaker.OnTrip(func(instrument, reason string, until time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := notifier.Notify(ctx, alerting.Notification{
			Event:      alerting.EventCircuitTrip,
			Timestamp:  time.Now().UTC(),
			Instrument: instrument,
			Reason:     fmt.Sprintf("%s (suspended until %s)", reason, until.UTC().Format(time.RFC3339)),
		}); err != nil {
			a.Logger.Error().Err(err).Msg("failed to deliver circuit trip alert")
		}
	})

	executor := treasury.NewExecutor(treasury.ExecutorOptions{
		Purchases:   store,
		Failures:    store,
		Exchange:    venue,
		Breaker:     breaker,
		Instrument:  a.Config.Exchange.Instrument,
		Provider:    a.Config.Exchange.Provider,
		QuoteMaxAge: a.Config.PriceFeed.QuoteMaxAge,
		Logger:      a.Logger,
	})

	processor := treasury.NewProcessor(treasury.ProcessorOptions{
		Rules:        store,
		Transactions: store,
		Executor:     executor,
		Tiers:        a.tierLimits(),
		Logger:       a.Logger,
	})

	return &pipeline{
		store:     store,
		breaker:   breaker,
		venue:     venue,
		executor:  executor,
		processor: processor,
		notifier:  notifier,
	}
}

// Run executes the long-running ingestion service: webhook listener,
// price feed, quote poller, DCA scheduler and failure replay sweep.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	pipe := a.buildPipeline(store)

	webhookProcessor, err := a.newWebhookProcessor()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	if a.Config.PriceFeed.URL != "" {
		feed := pricing.NewFeed(pricing.FeedOptions{
			URL:         a.Config.PriceFeed.URL,
			Source:      a.Config.PriceFeed.Source,
			Instruments: []string{a.Config.Exchange.Instrument},
		}, pipe.breaker, a.Logger)
		feed.Start(ctx)
		defer feed.Wait()
	} else {
		a.Logger.Warn().Msg("price_feed.url not configured; corroborating feed disabled")
	}

	poller := pricing.NewPoller(pipe.venue.GetCurrentPrice, pipe.breaker, []string{a.Config.Exchange.Instrument}, a.Logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched := scheduler.New(scheduler.Options{Interval: a.Config.PriceFeed.PollInterval}, a.Logger)
		_ = sched.Run(ctx, poller.Tick)
	}()

	if a.Config.DCA.Enabled {
		job := treasury.NewDCAJob(store, pipe.executor, a.Config.Exchange.Currency, a.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched := scheduler.New(scheduler.Options{Interval: a.Config.DCA.CheckInterval, AlignToStart: true}, a.Logger)
			_ = sched.Run(ctx, job.Tick)
		}()
	}

	if a.Config.Replay.Enabled {
		sweep := a.newReplaySweep(pipe)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched := scheduler.New(scheduler.Options{Interval: a.Config.Replay.CheckInterval}, a.Logger)
			_ = sched.Run(ctx, sweep.Tick)
		}()
	}

	server := a.newServer(webhookProcessor, pipe.processor, pipe.breaker)
	serverErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.Config.Server.ListenAddr).Msg("webhook listener starting")
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		cancel()
		wg.Wait()
		return fmt.Errorf("webhook listener: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("server shutdown failed")
	}

	wg.Wait()
	a.Logger.Info().Msg("ingestion service stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	TenantID string
	Limit    int
	Failures bool
}

// ExportOptions hold parameters for exporting purchase history.
type ExportOptions struct {
	TenantID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ReplayOptions configure the one-shot replay command.
type ReplayOptions struct {
	TenantID string
	Limit    int
}
