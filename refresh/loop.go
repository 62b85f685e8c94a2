package refresh

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RunMaintenanceLoop keeps the token fresh until ctx is done. Wake-ups
// follow the remaining lifetime of the stored token rather than a fixed
// poll interval. Refresh failures are logged and retried after the backoff.
func (c *Coordinator) RunMaintenanceLoop(ctx context.Context) error {
	c.log.Info("maintenance loop started",
		zap.Duration("margin", c.cfg.Margin),
		zap.Duration("backoff", c.cfg.Backoff),
	)
	for {
		d := c.step(ctx)
		c.log.Debug("sleeping", zap.Duration("for", d))
		if err := c.sleep(ctx, d); err != nil {
			c.log.Info("maintenance loop stopped")
			return err
		}
	}
}

// step performs one iteration and returns how long to sleep before the next.
func (c *Coordinator) step(ctx context.Context) time.Duration {
	now := c.now()
	v := c.CheckValidity(ctx, now)
	if v.Valid {
		return c.validSleep(v)
	}

	if v.Err != nil && !errors.Is(v.Err, ErrNoToken) {
		c.log.Warn("stored token unusable", zap.Error(v.Err))
	}

	if _, err := c.EnsureFresh(ctx); err != nil {
		var be *BackoffError
		if !errors.As(err, &be) && ctx.Err() != nil {
			return 0
		}
		return c.failedSleep(c.now())
	}
	return c.cfg.PostRefreshSleep
}

// validSleep is the time until the token enters the refresh margin, but
// never less than MinSleep.
func (c *Coordinator) validSleep(v Verdict) time.Duration {
	d := time.Duration(v.SecondsUntilExpiry)*time.Second - c.cfg.Margin
	return max(d, c.cfg.MinSleep)
}

func (c *Coordinator) failedSleep(now time.Time) time.Duration {
	if d := c.backoffRemaining(now); d > 0 {
		return d
	}
	return c.cfg.Backoff
}
