/*
retry.go - Transaction execution helpers with automatic retry

GROUNDING:
  Backoff-with-jitter on a classified error is the same shape as
  config.RetryConfig (BackoffMultiplier/InitialDelayMs/MaxDelayMs),
  carried over from the teacher's config layer for the in-process
  provider factory (see config/config.go). The doubling-plus-jitter
  formula matches common Go retry idiom; spec.md §4.9 only requires
  that non-transient failures never retry.
*/
package tx

import (
	"context"
	"math/rand"
	"time"

	"github.com/warp/kvtx/kv"
	"github.com/warp/kvtx/kv/log"
	"github.com/warp/kvtx/kv/metrics"
)

// Body is the unit of work executed within a transaction.
type Body func(ctx context.Context, t *Transaction) error

// ExecuteInTx begins a transaction via coordinator, runs body, and
// commits on success or rolls back on any error (including a panic,
// which is rolled back then re-panicked).
func ExecuteInTx(ctx context.Context, coordinator *Coordinator, opts Options, body Body) (err error) {
	t, err := coordinator.Begin(ctx, opts)
	if err != nil {
		return err
	}
	ctx = WithTransaction(ctx, t)

	defer func() {
		if p := recover(); p != nil {
			_ = t.Rollback(ctx)
			panic(p)
		}
	}()

	if err := body(ctx, t); err != nil {
		if rbErr := t.Rollback(ctx); rbErr != nil {
			log.WithComponent("tx").Error().Err(rbErr).Str("tx_id", t.ID).Msg("rollback failed after body error")
		}
		return err
	}

	return t.Commit(ctx)
}

// ExecuteWithRetry runs ExecuteInTx repeatedly while the returned error
// is transient (kv.IsTransient), applying exponential backoff with
// jitter between attempts. Non-transient errors return immediately.
func ExecuteWithRetry(ctx context.Context, coordinator *Coordinator, opts Options, maxRetries int, initialDelay time.Duration, body Body) error {
	delay := initialDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	const maxDelay = 5 * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := ExecuteInTx(ctx, coordinator, opts, body)
		if err == nil {
			metrics.RetryAttempts.WithLabelValues("succeeded").Inc()
			return nil
		}
		lastErr = err

		if !kv.IsTransient(err) {
			metrics.RetryAttempts.WithLabelValues("non_transient").Inc()
			return err
		}
		if attempt == maxRetries {
			metrics.RetryAttempts.WithLabelValues("transient_retry").Inc()
			break
		}
		metrics.RetryAttempts.WithLabelValues("transient_retry").Inc()

		jitter := time.Duration(rand.Int63n(int64(delay) / 2 + 1))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return lastErr
}
