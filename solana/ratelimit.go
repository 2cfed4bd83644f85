package chainsensors_protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

var ErrRateLimited = errors.New("rpc rate limited")

// RateLimitPolicy bounds the per-call retries on HTTP 429.
type RateLimitPolicy struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

var DefaultRateLimitPolicy = RateLimitPolicy{
	Min:         250 * time.Millisecond,
	Max:         5 * time.Second,
	MaxAttempts: 6,
}

// IsRateLimited reports whether err is a 429 from the RPC node.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "too many requests")
}

// withRateLimitRetry runs fn, backing off with jitter while it reports 429.
// Each call owns its backoff state, so a throttled caller never slows down
// its siblings.
func withRateLimitRetry(ctx context.Context, policy RateLimitPolicy, op string, fn func(context.Context) error) error {
	b := &backoff.Backoff{
		Min:    policy.Min,
		Max:    policy.Max,
		Factor: 2,
		Jitter: true,
	}
	for {
		err := fn(ctx)
		if err == nil || !IsRateLimited(err) {
			return err
		}
		if int(b.Attempt()) >= policy.MaxAttempts {
			return fmt.Errorf("%w: %s: %v", ErrRateLimited, op, err)
		}

		delay := b.Duration()
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": int(b.Attempt()),
			"delay":   delay,
		}).Debug("rpc rate limited, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
