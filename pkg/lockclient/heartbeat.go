package lockclient

import (
	"context"
	"errors"
	"time"
)

// StartKeepAlive extends l periodically until ctx is cancelled.
// It returns a channel that emits errors (if any) and then closes on exit.
// Semantics:
// - *StaleLockError: keep-alive stops (lease is dead), the error is sent last
// - transport or unexpected status errors: surfaced and retried on the next tick
// - ctx cancel: stop cleanly
func (c *Client) StartKeepAlive(ctx context.Context, l Lease, opt KeepAliveOptions) <-chan error {
	errCh := make(chan error, 1)

	if opt.Interval <= 0 {
		opt.Interval = l.TTL / 3
	}
	if opt.Interval <= 0 {
		opt.Interval = 200 * time.Millisecond
	}

	go func() {
		defer close(errCh)

		t := time.NewTicker(opt.Interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				next, err := c.Extend(ctx, l, opt.Interval)
				if err == nil {
					l = next
					continue
				}
				if ctx.Err() != nil {
					return
				}
				var stale *StaleLockError
				if errors.As(err, &stale) {
					// replace any pending transient error with the terminal one
					select {
					case <-errCh:
					default:
					}
					errCh <- err
					return
				}
				select {
				case errCh <- err:
				default:
				}
			}
		}
	}()

	return errCh
}
