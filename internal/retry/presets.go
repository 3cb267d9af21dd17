package retry

import (
	"errors"
	"net/http"
	"time"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
)

// DatabasePolicy suits short datastore calls: quick retries for transient
// connection failures.
func DatabasePolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		BackoffBase:  2,
		Jitter:       50 * time.Millisecond,
	}
}

// APIPolicy suits generic outbound API calls; 4xx responses are refused.
func APIPolicy() Policy {
	return Policy{
		MaxRetries:   5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		BackoffBase:  2,
		Jitter:       100 * time.Millisecond,
		Predicate: func(err error, _ int) bool {
			var fe *faults.Error
			if errors.As(err, &fe) && fe.Kind == faults.KindExternalService {
				if fe.HTTPStatus >= 400 && fe.HTTPStatus < 500 && fe.HTTPStatus != http.StatusTooManyRequests {
					return false
				}
			}
			return faults.Retryable(err)
		},
	}
}

// ExchangePolicy suits order placement: slower backoff, permanent refusal
// of insufficient-funds and invalid-order responses, and an extended
// allowance when the exchange is rate limiting.
func ExchangePolicy() Policy {
	return Policy{
		MaxRetries:       3,
		InitialDelay:     time.Second,
		MaxDelay:         30 * time.Second,
		BackoffBase:      2,
		Jitter:           250 * time.Millisecond,
		RateLimitRetries: 3,
	}
}

// WebhookPolicy wraps business processing of a verified event. Signature,
// replay, duplicate and validation failures never retry.
func WebhookPolicy() Policy {
	return Policy{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		BackoffBase:  2,
		Jitter:       100 * time.Millisecond,
	}
}
