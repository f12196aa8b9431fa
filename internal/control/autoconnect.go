package control

import (
	"context"
	"log"
	"time"

	"github.com/shaunagostinho/stmdsp-dash/internal/retry"
)

const (
	backoffStart = 1 * time.Second
	backoffMax   = 60 * time.Second
)

// AutoConnect tries to connect with exponential backoff, starting at 1s and
// doubling up to 60s. It is meant for startup only: once a session is lost
// the user reconnects explicitly. maxAttempts <= 0 retries until ctx is done.
func (c *Controller) AutoConnect(ctx context.Context, maxAttempts int) error {
	delay := backoffStart
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[control] connected (attempt %d)", attempt)
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			log.Printf("[control] giving up after %d attempts: %v", attempt, err)
			return err
		}
		log.Printf("[control] connect attempt %d failed: %v (retry in %v)", attempt, err, delay)

		if err := retry.Sleep(ctx, c.opts.Clock, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}
