// Package reliability holds the retry policy callers apply around Connect.
// The engine itself never retries.
package reliability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ent0n29/voicebench/internal/device"
	"github.com/ent0n29/voicebench/internal/engine"
	"github.com/ent0n29/voicebench/internal/profile"
	"github.com/ent0n29/voicebench/internal/transport"
)

// IsRetryableStatus classifies the HTTP status of a rejected agent handshake.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableConnect reports whether a failed Connect may succeed if
// repeated. Local faults (device permission, unknown profile, an already
// open session, a stopped controller) are final.
func IsRetryableConnect(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, device.ErrPermissionDenied),
		errors.Is(err, profile.ErrNotFound),
		errors.Is(err, engine.ErrAlreadyConnected),
		errors.Is(err, engine.ErrStopped),
		errors.Is(err, context.Canceled):
		return false
	}
	var hs *transport.HandshakeError
	if errors.As(err, &hs) {
		return IsRetryableStatus(hs.StatusCode)
	}
	return true
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	// OnRetry is called before each wait with the failed attempt (from 1).
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Retry calls connect until it succeeds, fails with a final error, or the
// attempts run out. It returns the last error.
func Retry(ctx context.Context, p Policy, connect func(context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = connect(ctx); err == nil || !IsRetryableConnect(err) || attempt >= p.Attempts {
			return err
		}
		wait := ExponentialBackoff(attempt-1, p.Base, p.Cap)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
