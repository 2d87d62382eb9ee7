package direct

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

const (
	WatchInitialInterval   = 2 * time.Second
	WatchMaxBackoff        = 30 * time.Second
	WatchBackoffMultiplier = 1.5
	WatchJitterFactor      = 0.3
)

// Handler processes one received envelope. Returning nil acknowledges it.
// Envelopes that failed to open are passed with Err set; the handler
// decides whether to discard them.
type Handler func(ctx context.Context, r *Received) error

// WatchOption configures Watch.
type WatchOption func(*watchConfig)

type watchConfig struct {
	initial time.Duration
	max     time.Duration
	batch   int
}

// WithPollInterval sets the initial and maximum poll intervals.
func WithPollInterval(initial, maxInterval time.Duration) WatchOption {
	return func(w *watchConfig) {
		if initial > 0 {
			w.initial = initial
		}
		if maxInterval >= w.initial {
			w.max = maxInterval
		}
	}
}

// WithBatchSize limits the envelopes fetched per poll.
func WithBatchSize(n int) WatchOption {
	return func(w *watchConfig) {
		w.batch = n
	}
}

// Watch polls the backend and calls h for every pending envelope,
// acknowledging it once h returns nil. The poll interval grows while the
// backend is empty or unreachable and resets when new envelopes arrive.
//
// Delivery is at-least-once: an envelope whose handler fails, or whose
// acknowledge fails, is delivered again on a later poll. Watch blocks
// until ctx is done and then returns ctx.Err(). A failure that is not
// retryable, such as an audit write failure, stops the loop and is
// returned.
func (c *Client) Watch(ctx context.Context, h Handler, opts ...WatchOption) error {
	cfg := watchConfig{initial: WatchInitialInterval, max: WatchMaxBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.max < cfg.initial {
		cfg.max = cfg.initial
	}

	interval := cfg.initial
	for {
		delivered, err := c.pollOnce(ctx, h, cfg.batch)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil && !IsRetryable(err):
			return err
		case err != nil:
			c.logger.Warn().Err(err).Dur("retry_in", interval).Msg("watch: poll failed")
			interval = nextInterval(interval, cfg.max)
		case delivered > 0:
			interval = cfg.initial
		default:
			interval = nextInterval(interval, cfg.max)
		}

		wait := interval + time.Duration(rand.Float64()*WatchJitterFactor*float64(interval))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func nextInterval(cur, limit time.Duration) time.Duration {
	next := time.Duration(float64(cur) * WatchBackoffMultiplier)
	if next > limit {
		return limit
	}
	return next
}

// pollOnce fetches one batch and returns how many envelopes were
// acknowledged.
func (c *Client) pollOnce(ctx context.Context, h Handler, batch int) (int, error) {
	received, err := c.Fetch(ctx, batch)
	if err != nil {
		return 0, err
	}
	acked := 0
	for _, r := range received {
		if err := h(ctx, r); err != nil {
			c.logger.Warn().Err(err).Str("envelope_id", r.EnvelopeID).Msg("watch: handler failed; envelope left pending")
			continue
		}
		if err := c.Acknowledge(ctx, r.EnvelopeID); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Consumed by another worker.
				continue
			}
			return acked, err
		}
		acked++
	}
	return acked, nil
}
