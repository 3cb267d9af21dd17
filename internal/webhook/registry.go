package webhook

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Signature algorithms supported by the guard.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgHMACSHA1   = "hmac-sha1"
	AlgRSA        = "rsa"
)

// ProviderConfig is the per-provider verification configuration. Events
// for a provider are rejected until it is registered.
type ProviderConfig struct {
	SigningSecret      string
	SignatureHeader    string
	Algorithm          string
	TimestampTolerance time.Duration
	RSAPublicKeyPEM    string

	rsaKey *rsa.PublicKey
}

// Registry holds provider configurations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderConfig
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ProviderConfig)}
}

// Register validates and stores a provider configuration. RSA keys are
// parsed eagerly so misconfiguration fails at startup, not per event.
func (r *Registry) Register(name string, cfg ProviderConfig) error {
	if name == "" {
		return errors.New("provider name required")
	}
	if cfg.SignatureHeader == "" {
		return fmt.Errorf("provider %s: signature header required", name)
	}

	switch cfg.Algorithm {
	case AlgHMACSHA256, AlgHMACSHA1:
		if cfg.SigningSecret == "" {
			return fmt.Errorf("provider %s: signing secret required for %s", name, cfg.Algorithm)
		}
	case AlgRSA:
		key, err := parseRSAPublicKey(cfg.RSAPublicKeyPEM)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		cfg.rsaKey = key
	default:
		return fmt.Errorf("provider %s: unsupported algorithm %q", name, cfg.Algorithm)
	}

	r.mu.Lock()
	r.providers[name] = cfg
	r.mu.Unlock()
	return nil
}

// Get looks up a provider configuration.
func (r *Registry) Get(name string) (ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.providers[name]
	return cfg, ok
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("rsa public key: no PEM block found")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if key, certErr := x509.ParsePKCS1PublicKey(block.Bytes); certErr == nil {
			return key, nil
		}
		return nil, fmt.Errorf("parse rsa public key: %w", err)
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("rsa public key: not an RSA key")
	}
	return key, nil
}
