package dnspin

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// RunEvery blocks, reconciling once immediately and then on every tick of
// interval until ctx ends. Failed passes are logged and the loop carries
// on; dynamic addresses tend to make the next pass succeed.
// Intervals under one minute are raised to one minute to stay polite to
// the echo services and the provider API.
//
// The returned error is ctx.Err(), so a deliberate shutdown surfaces as
// context.Canceled.
func RunEvery(ctx context.Context, c *Client, interval time.Duration, log logr.Logger) error {
	if interval < time.Minute {
		interval = time.Minute
	}

	if _, err := c.Run(ctx); err != nil {
		log.Error(err, "reconciliation pass failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Run(ctx); err != nil {
				log.Error(err, "reconciliation pass failed")
			}
		}
	}
}
