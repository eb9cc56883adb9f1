// Package reconnect holds the retry policy shared by the broker drivers.
package reconnect

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds the delay between reconnect attempts. Attempts never stop.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultPolicy starts at one second and caps at thirty.
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second}
}

// NewBackOff returns an exponential backoff that retries indefinitely.
func (p Policy) NewBackOff() backoff.BackOff {
	def := DefaultPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max < p.Initial {
		p.Max = def.Max
		if p.Max < p.Initial {
			p.Max = p.Initial
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Wait sleeps for the next backoff interval. It returns false if ctx ends first.
func Wait(ctx context.Context, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = DefaultPolicy().Max
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
