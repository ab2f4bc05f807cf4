package model

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	minRenewalMargin = 50 * time.Millisecond
	renewalRetry     = 100 * time.Millisecond
)

// Handle is a lease held by this process. Close it on every exit path:
//
//	h, err := svc.Lock(ctx, "reports", "worker-1", WithExpiry(time.Minute), WithKeepAlive())
//	if err != nil { ... }
//	defer h.Close()
type Handle struct {
	svc       *Service
	resource  string
	requester string
	lease     *time.Duration

	mu   sync.Mutex
	info LockInfo

	// keep-alive; cancel is nil when no loop runs
	cancel context.CancelFunc
	done   chan struct{}

	unlockMu sync.Mutex
	unlocked bool
	released bool
}

func (s *Service) newHandle(resource, requester string, info LockInfo, o lockOptions) *Handle {
	h := &Handle{
		svc:       s,
		resource:  resource,
		requester: requester,
		lease:     o.expiry,
		info:      info,
	}
	if o.expiry != nil && o.keepAlive {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		h.done = make(chan struct{})
		go h.keepAlive(ctx)
	}
	return h
}

func (h *Handle) Resource() string  { return h.resource }
func (h *Handle) Requester() string { return h.requester }

// Info returns the last observed state of the lock.
func (h *Handle) Info() LockInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// ExpiryDate returns the last known expiry, nil when the lease never expires.
func (h *Handle) ExpiryDate() *time.Time {
	return h.Info().ExpiryDate
}

func (h *Handle) setInfo(info LockInfo) {
	h.mu.Lock()
	h.info = info
	h.mu.Unlock()
}

func (h *Handle) refresh(ctx context.Context) (LockInfo, bool, error) {
	info, err := h.svc.Get(ctx, h.resource)
	if err != nil {
		return LockInfo{}, false, err
	}
	now, err := h.svc.repo.Now(ctx)
	if err != nil {
		return LockInfo{}, false, err
	}
	h.setInfo(info)
	return info, info.IsHeldBy(h.requester, now), nil
}

// HasLock re-reads the store and reports whether the lease is still ours.
func (h *Handle) HasLock(ctx context.Context) (bool, error) {
	_, held, err := h.refresh(ctx)
	return held, err
}

// ThrowIfStale returns a *StaleLockError when the lease was lost.
func (h *Handle) ThrowIfStale(ctx context.Context) error {
	info, held, err := h.refresh(ctx)
	if err != nil {
		return err
	}
	if !held {
		return &StaleLockError{Resource: h.resource, Requester: h.requester, State: info}
	}
	return nil
}

// Extend pushes the expiry by d. It returns a *StaleLockError when the lease
// was lost in the meantime.
func (h *Handle) Extend(ctx context.Context, d time.Duration) error {
	info, err := h.svc.Extend(ctx, h.resource, h.requester, d)
	var stale *StaleLockError
	if err == nil || errors.As(err, &stale) {
		h.setInfo(info)
	}
	return err
}

// Unlock stops renewal and releases the lease. It reports false when the
// lease was lost to another holder. Calls after a completed Unlock return
// the first outcome; a failed Unlock may be retried.
func (h *Handle) Unlock(ctx context.Context) (bool, error) {
	h.stopKeepAlive()

	h.unlockMu.Lock()
	defer h.unlockMu.Unlock()
	if h.unlocked {
		return h.released, nil
	}
	released, err := h.svc.Release(ctx, h.resource, h.requester)
	if err != nil {
		return false, err
	}
	h.unlocked = true
	h.released = released
	if released {
		info := h.Info()
		info.LockedBy, info.LockedAt, info.ExpiryDate = nil, nil, nil
		h.setInfo(info)
	}
	return released, nil
}

// Close releases the lease and discards the outcome.
func (h *Handle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_, _ = h.Unlock(ctx)
	return nil
}

// stopKeepAlive signals the renewal loop and waits for it, so an in-flight
// renewal cannot land after the release.
func (h *Handle) stopKeepAlive() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

func (h *Handle) renewalMargin() time.Duration {
	lease := *h.lease
	m := h.svc.renewalMargin
	if m <= 0 {
		m = lease / 10
	}
	if m < minRenewalMargin {
		m = minRenewalMargin
	}
	if m > lease/2 {
		m = lease / 2
	}
	return m
}

func (h *Handle) nextRenewal() time.Duration {
	exp := h.ExpiryDate()
	if exp == nil {
		return 0
	}
	wait := time.Until(*exp) - h.renewalMargin()
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (h *Handle) keepAlive(ctx context.Context) {
	defer close(h.done)

	wait := h.nextRenewal()
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		info, err := h.svc.Extend(ctx, h.resource, h.requester, *h.lease)
		switch {
		case err == nil:
			h.setInfo(info)
			wait = h.nextRenewal()
		case errors.Is(err, ErrStaleLock):
			h.setInfo(info)
			h.svc.logger.Warn(map[string]interface{}{
				"op":        "keepalive",
				"lock":      h.resource,
				"requester": h.requester,
				"holder":    info.Holder(),
				"error":     err.Error(),
			})
			return
		case ctx.Err() != nil:
			return
		default:
			// storage failure: the read-back never happened, try again
			h.svc.logger.Warn(map[string]interface{}{
				"op":        "keepalive",
				"lock":      h.resource,
				"requester": h.requester,
				"error":     err.Error(),
			})
			wait = renewalRetry
			if next := h.nextRenewal(); next > 0 && next < wait {
				wait = next
			}
		}
	}
}
