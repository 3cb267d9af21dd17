package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.App.Name != "liquidabt" {
		t.Fatalf("app name = %q", cfg.App.Name)
	}
	if cfg.Exchange.Instrument != "BTC-AUD" {
		t.Fatalf("instrument = %q", cfg.Exchange.Instrument)
	}
	if cfg.Webhook.ReplayWindow != 5*time.Minute {
		t.Fatalf("replay window = %v", cfg.Webhook.ReplayWindow)
	}
	if cfg.Webhook.DedupTTL != time.Hour {
		t.Fatalf("dedup ttl = %v", cfg.Webhook.DedupTTL)
	}
	if cfg.CircuitBreaker.MaxPriceChangePct != 10.0 {
		t.Fatalf("max price change = %v", cfg.CircuitBreaker.MaxPriceChangePct)
	}
	if cfg.CircuitBreaker.SuspensionDuration != 15*time.Minute {
		t.Fatalf("suspension = %v", cfg.CircuitBreaker.SuspensionDuration)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
exchange:
  instrument: ETH-AUD
webhook:
  providers:
    stripe:
      signing_secret: whsec_test
      signature_header: Stripe-Signature
      algorithm: hmac-sha256
tiers:
  starter:
    max_percentage: 5
    max_single_transaction: 5000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Exchange.Instrument != "ETH-AUD" {
		t.Fatalf("instrument = %q", cfg.Exchange.Instrument)
	}
	provider, ok := cfg.Webhook.Providers["stripe"]
	if !ok || provider.SigningSecret != "whsec_test" {
		t.Fatalf("providers = %#v", cfg.Webhook.Providers)
	}
	if cfg.Tiers["starter"].MaxSingleTransaction != 5000 {
		t.Fatalf("tiers = %#v", cfg.Tiers)
	}
}

func TestValidateRejectsProviderWithoutSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
webhook:
  providers:
    stripe:
      signature_header: Stripe-Signature
      algorithm: hmac-sha256
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("hmac provider without secret must fail validation")
	}
}

func TestValidateRejectsUnknownAlgorithm(t *testing.T) {
	cfg := &Config{
		Export:   ExportConfig{MaxDataPoints: 1},
		Webhook:  WebhookConfig{ReplayWindow: time.Minute, Providers: map[string]ProviderConfig{"x": {Algorithm: "md5", SigningSecret: "s"}}},
		Exchange: ExchangeConfig{Instrument: "BTC-AUD"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("unsupported algorithm must fail validation")
	}
}
