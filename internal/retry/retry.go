// Package retry holds the shared retry policy for transient transport
// failures. Both the image acquirer and the distribution coordinator run
// their attempts through it, so the attempt/backoff arithmetic is tested
// once, away from any real transport.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a bounded fixed-backoff retry schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// Delay is the fixed pause between attempts.
	Delay time.Duration
}

// Default is the device policy: one attempt plus three retries, one
// second apart.
var Default = Policy{MaxAttempts: 4, Delay: time.Second}

// Permanent marks an error as non-retryable; Do stops immediately and
// returns it. Malformed input and 4xx-class failures use this.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, exhausts the attempt budget, is stopped
// by a Permanent error, or the context is cancelled.
func (p Policy) Do(ctx context.Context, op func() error) error {
	if p.MaxAttempts < 1 {
		p = Default
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.MaxAttempts-1)),
		ctx,
	)
	return backoff.Retry(op, b)
}
