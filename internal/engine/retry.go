package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/vk/fhirloom/internal/config"
	"github.com/vk/fhirloom/internal/ctxlog"
	"github.com/vk/fhirloom/internal/pool"
)

// callWithCapacity runs one capability call under the given pool, retrying
// transport failures with exponential backoff up to the configured budget.
// The token is held only while the call itself runs: it is re-acquired per
// attempt, so backoff sleeps never pin capacity.
func callWithCapacity(ctx context.Context, p *pool.Pool, retry config.Retry, stage string, fn func(context.Context) error) error {
	logger := ctxlog.FromContext(ctx)
	delay := retry.Backoff.Initial
	var lastErr error

	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		release, err := p.Acquire(ctx)
		if err != nil {
			return err
		}
		err = func() error {
			defer release()
			return fn(ctx)
		}()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if attempt == retry.Attempts {
			break
		}
		sleep := delay
		if retry.Backoff.Jitter && sleep > 1 {
			sleep = sleep/2 + time.Duration(rand.Int63n(int64(sleep/2)+1))
		}
		logger.Warn("Capability call failed, backing off before retry.",
			"stage", stage, "attempt", attempt, "backoff", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * retry.Backoff.Factor)
		if delay > retry.Backoff.Max {
			delay = retry.Backoff.Max
		}
	}

	return fmt.Errorf("%s stage exhausted its retry budget of %d attempts: %w", stage, retry.Attempts, lastErr)
}
