package dispatch

import (
	"context"
	"time"

	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

// retryPolicy re-runs transient upstream failures with linear backoff.
// Only read-only network executors carry one; nothing with side effects
// is ever retried.
type retryPolicy struct {
	max     int
	backoff time.Duration
}

func newRetryPolicy(cfg config.DispatchConfig) retryPolicy {
	return retryPolicy{max: cfg.MaxRetries, backoff: cfg.RetryBackoff.Duration()}
}

// do runs op until it succeeds, fails with a non-transient fault, or the
// attempt budget runs out. The last error is returned either way.
func (p retryPolicy) do(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || attempt >= p.max || !fault.Retryable(fault.KindOf(err)) {
			return err
		}
		t := time.NewTimer(p.backoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
