package webhook

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
)

// Guard verifies webhook signatures and rejects replays: stale event
// timestamps and reused signature values inside the replay window.
type Guard struct {
	registry     *Registry
	replayWindow time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewGuard constructs a guard over the provider registry.
func NewGuard(registry *Registry, replayWindow time.Duration) *Guard {
	if replayWindow <= 0 {
		replayWindow = 5 * time.Minute
	}
	return &Guard{
		registry:     registry,
		replayWindow: replayWindow,
		seen:         make(map[string]time.Time),
		now:          time.Now,
	}
}

// Verify checks the signature over the raw body, the event freshness, and
// signature reuse. On success the signature is cached for the replay
// window to catch reuse. All failures are non-retryable.
func (g *Guard) Verify(provider, signature string, rawBody []byte, eventTime time.Time) error {
	cfg, ok := g.registry.Get(provider)
	if !ok {
		return faults.Newf(faults.KindValidation, "provider %q not registered", provider)
	}
	if signature == "" {
		return faults.New(faults.KindSignatureInvalid, "missing signature header")
	}

	embeddedTS, err := g.verifySignature(cfg, signature, rawBody)
	if err != nil {
		return err
	}

	ts := eventTime
	if ts.IsZero() && !embeddedTS.IsZero() {
		ts = embeddedTS
	}
	window := g.replayWindow
	if cfg.TimestampTolerance > 0 {
		window = cfg.TimestampTolerance
	}
	if ts.IsZero() {
		return faults.New(faults.KindValidation, "event carries no timestamp")
	}

	now := g.now()
	if drift := absDuration(now.Sub(ts)); drift > window {
		return faults.Newf(faults.KindReplayAttack, "event timestamp outside %s freshness window", window)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	key := provider + ":" + signature
	if _, reused := g.seen[key]; reused {
		return faults.New(faults.KindReplayAttack, "signature already accepted within replay window")
	}
	g.seen[key] = now.Add(g.replayWindow)
	return nil
}

// verifySignature returns the timestamp embedded in the signature header
// when the scheme carries one.
func (g *Guard) verifySignature(cfg ProviderConfig, signature string, rawBody []byte) (time.Time, error) {
	switch cfg.Algorithm {
	case AlgHMACSHA256:
		return verifyHMAC256(cfg.SigningSecret, signature, rawBody)
	case AlgHMACSHA1:
		return time.Time{}, verifyHMAC1(cfg.SigningSecret, signature, rawBody)
	case AlgRSA:
		return time.Time{}, verifyRSA(cfg.rsaKey, signature, rawBody)
	default:
		return time.Time{}, faults.Newf(faults.KindValidation, "unsupported signature algorithm %q", cfg.Algorithm)
	}
}

// verifyHMAC256 accepts either a bare hex digest over the body or the
// timestamped form "t=<unix>,v1=<hex>" where the digest covers
// "<unix>.<body>".
func verifyHMAC256(secret, signature string, rawBody []byte) (time.Time, error) {
	if strings.Contains(signature, "t=") {
		parts := strings.Split(signature, ",")
		var tsPart, sigPart string
		for _, part := range parts {
			part = strings.TrimSpace(part)
			switch {
			case strings.HasPrefix(part, "t="):
				tsPart = strings.TrimPrefix(part, "t=")
			case strings.HasPrefix(part, "v1="):
				sigPart = strings.TrimPrefix(part, "v1=")
			}
		}
		if tsPart == "" || sigPart == "" {
			return time.Time{}, faults.New(faults.KindSignatureInvalid, "malformed timestamped signature header")
		}

		unix, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			return time.Time{}, faults.New(faults.KindSignatureInvalid, "malformed signature timestamp")
		}

		signed := append([]byte(tsPart+"."), rawBody...)
		if err := compareHMAC(sha256.New, secret, sigPart, signed); err != nil {
			return time.Time{}, err
		}
		return time.Unix(unix, 0), nil
	}

	return time.Time{}, compareHMAC(sha256.New, secret, signature, rawBody)
}

func verifyHMAC1(secret, signature string, rawBody []byte) error {
	return compareHMAC(sha1.New, secret, strings.TrimPrefix(signature, "sha1="), rawBody)
}

func verifyRSA(key *rsa.PublicKey, signature string, rawBody []byte) error {
	if key == nil {
		return faults.New(faults.KindValidation, "rsa public key not configured")
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return faults.New(faults.KindSignatureInvalid, "signature is not valid base64")
	}
	digest := sha256.Sum256(rawBody)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return faults.New(faults.KindSignatureInvalid, "rsa signature verification failed")
	}
	return nil
}

func compareHMAC(newHash func() hash.Hash, secret, provided string, signed []byte) error {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(signed)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(provided)))) {
		return faults.New(faults.KindSignatureInvalid, "signature mismatch")
	}
	return nil
}

func (g *Guard) pruneLocked(now time.Time) {
	for key, expiry := range g.seen {
		if expiry.Before(now) {
			delete(g.seen, key)
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
