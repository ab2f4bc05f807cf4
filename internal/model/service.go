package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/notify"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/obs"
)

var tracer = otel.Tracer("github.com/HomebrewDotNET/Sels.Core-sub004/internal/model")

const (
	defaultPollInterval = time.Second
	cleanupTimeout      = 5 * time.Second
)

// Service coordinates leases on named resources. It holds no in-process lock
// state: mutual exclusion comes from the conditional writes of the Repository.
type Service struct {
	repo          Repository
	notifier      notify.Notifier
	logger        *obs.Logger
	metrics       *obs.Metrics
	pollInterval  time.Duration
	renewalMargin time.Duration
}

type Option func(*Service)

// WithNotifier sets the wake-up channel used by waiting Lock calls.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithPollInterval sets how often a waiting Lock retries without a notification.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithRenewalMargin sets how long before expiry keep-alive renews a lease.
// Zero derives the margin from the lease length.
func WithRenewalMargin(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.renewalMargin = d
		}
	}
}

func NewService(repo Repository, logger *obs.Logger, metrics *obs.Metrics, opts ...Option) *Service {
	s := &Service{
		repo:         repo,
		notifier:     notify.NewInMemory(),
		logger:       logger,
		metrics:      metrics,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type lockOptions struct {
	expiry    *time.Duration
	keepAlive bool
	timeout   *time.Duration
}

type LockOption func(*lockOptions)

// WithExpiry bounds the lease. Without it the lock never expires.
func WithExpiry(d time.Duration) LockOption {
	return func(o *lockOptions) { o.expiry = &d }
}

// WithKeepAlive renews the lease in the background until it is released.
// It only applies together with WithExpiry.
func WithKeepAlive() LockOption {
	return func(o *lockOptions) { o.keepAlive = true }
}

// WithTimeout bounds how long Lock waits. Zero fails right after the first attempt.
func WithTimeout(d time.Duration) LockOption {
	return func(o *lockOptions) { o.timeout = &d }
}

func buildOptions(resource, requester string, opts []LockOption) (lockOptions, error) {
	var o lockOptions
	if resource == "" || requester == "" {
		return o, invalidArg("resource and requester required")
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.expiry != nil && *o.expiry <= 0 {
		return o, invalidArg("expiry must be > 0")
	}
	if o.timeout != nil && *o.timeout < 0 {
		return o, invalidArg("timeout must be >= 0")
	}
	return o, nil
}

func (s *Service) observeLatency(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *Service) incResult(op, result string) {
	if s.metrics == nil {
		return
	}
	switch op {
	case "acquire":
		s.metrics.AcquireTotal.WithLabelValues(result).Inc()
	case "release":
		s.metrics.ReleaseTotal.WithLabelValues(result).Inc()
	case "extend":
		s.metrics.ExtendTotal.WithLabelValues(result).Inc()
	}
}

func (s *Service) countBusy(op string, err error) {
	if s.metrics == nil || !errors.Is(err, ErrStoreBusy) {
		return
	}
	s.metrics.DBBusyTotal.WithLabelValues(op).Inc()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *Service) publish(resource string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.notifier.Publish(ctx, resource); err != nil && s.logger != nil {
		s.logger.Warn(map[string]interface{}{
			"op":    "notify",
			"lock":  resource,
			"error": err.Error(),
		})
	}
}

// tryAssign runs one conditional assignment in its own transaction.
func (s *Service) tryAssign(ctx context.Context, resource, requester string, expiry *time.Duration) (LockInfo, bool, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return LockInfo{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	info, err := tx.TryAssignLock(ctx, resource, requester, expiry)
	if err != nil {
		return LockInfo{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return LockInfo{}, false, err
	}
	return info, info.LockedBy != nil && *info.LockedBy == requester, nil
}

// TryLock makes a single attempt. A lock held by someone else is reported as
// Success=false, not as an error.
func (s *Service) TryLock(ctx context.Context, resource, requester string, opts ...LockOption) (res TryLockResult, err error) {
	o, err := buildOptions(resource, requester, opts)
	if err != nil {
		return TryLockResult{}, err
	}
	ctx, span := tracer.Start(ctx, "Service.TryLock", trace.WithAttributes(
		attribute.String("lock.resource", resource),
		attribute.String("lock.requester", requester),
	))
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Bool("lock.acquired", res.Success))
		endSpan(span, err)
		s.observeLatency("trylock", start)
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "trylock",
			"lock":       resource,
			"requester":  requester,
			"acquired":   res.Success,
			"holder":     res.State.Holder(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	info, ok, err := s.tryAssign(ctx, resource, requester, o.expiry)
	if err != nil {
		s.countBusy("trylock", err)
		s.incResult("acquire", "error")
		return TryLockResult{}, err
	}
	if !ok {
		s.incResult("acquire", "fail")
		return TryLockResult{State: info}, nil
	}
	s.incResult("acquire", "success")
	return TryLockResult{Success: true, Lock: s.newHandle(resource, requester, info, o), State: info}, nil
}

// Lock blocks until the lock is acquired, the timeout elapses or ctx is done.
// While waiting the caller is queued as a pending request; every abnormal exit
// removes that request before returning.
func (s *Service) Lock(ctx context.Context, resource, requester string, opts ...LockOption) (h *Handle, err error) {
	o, err := buildOptions(resource, requester, opts)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "Service.Lock", trace.WithAttributes(
		attribute.String("lock.resource", resource),
		attribute.String("lock.requester", requester),
	))
	start := time.Now()
	var (
		result   = "success"
		attempts int
		last     LockInfo
	)
	defer func() {
		if err != nil && result == "success" {
			result = "error"
		}
		s.incResult("acquire", result)
		s.observeLatency("lock", start)
		if s.metrics != nil && attempts > 1 {
			s.metrics.WaitSeconds.Observe(time.Since(start).Seconds())
		}
		span.SetAttributes(attribute.Int("lock.attempts", attempts), attribute.String("lock.result", result))
		endSpan(span, err)
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "lock",
			"lock":       resource,
			"requester":  requester,
			"result":     result,
			"attempts":   attempts,
			"holder":     last.Holder(),
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil && result == "error" {
			fields["error"] = err.Error()
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	attempts++
	last, ok, err := s.tryAssign(ctx, resource, requester, o.expiry)
	if err != nil {
		s.countBusy("lock", err)
		return nil, err
	}
	if ok {
		return s.newHandle(resource, requester, last, o), nil
	}
	if o.timeout != nil && *o.timeout <= 0 {
		result = "timeout"
		return nil, &TimeoutError{Resource: resource, Requester: requester, Timeout: *o.timeout, State: last}
	}

	// Subscribe before queueing so a release right after the insert still wakes us.
	wake, unsubscribe, err := s.notifier.Subscribe(ctx, resource)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(map[string]interface{}{"op": "lock", "lock": resource, "error": "subscribe: " + err.Error()})
		}
		wake, unsubscribe = nil, func() {}
	}
	defer unsubscribe()

	req, err := s.createRequest(ctx, resource, requester, o)
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if o.timeout != nil {
		timer := time.NewTimer(*o.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// fail leaves the queue on a storage error; a canceled ctx wins over it
	fail := func(ferr error) (*Handle, error) {
		if ctx.Err() != nil {
			result = "canceled"
			s.abandon(req, true)
			return nil, fmt.Errorf("lock %s: %w", resource, ctx.Err())
		}
		s.countBusy("lock", ferr)
		s.abandon(req, false)
		return nil, ferr
	}

	for {
		select {
		case <-ctx.Done():
			result = "canceled"
			s.abandon(req, true)
			return nil, fmt.Errorf("lock %s: %w", resource, ctx.Err())
		case <-deadline:
			if s.abandon(req, false) {
				// resolved elsewhere: the sweeper may have granted it to us
				if info, ok, aerr := s.tryAssign(context.WithoutCancel(ctx), resource, requester, o.expiry); aerr == nil && ok {
					return s.newHandle(resource, requester, info, o), nil
				}
			}
			result = "timeout"
			return nil, &TimeoutError{Resource: resource, Requester: requester, Timeout: *o.timeout, State: last}
		case _, open := <-wake:
			if !open {
				wake = nil
			}
		case <-ticker.C:
			// a request removed behind our back (admin clear, prune) is put back
			// so the sweeper still sees us queued
			gone, rerr := s.repo.ResolveDeletedRequestIDs(ctx, []int64{req.ID})
			if rerr != nil {
				return fail(rerr)
			}
			if len(gone) == 1 {
				nreq, cerr := s.createRequest(ctx, resource, requester, o)
				if cerr != nil {
					return fail(cerr)
				}
				req = nreq
			}
		}

		attempts++
		info, ok, aerr := s.tryAssign(ctx, resource, requester, o.expiry)
		if aerr != nil {
			return fail(aerr)
		}
		last = info
		if ok {
			s.abandon(req, false)
			return s.newHandle(resource, requester, info, o), nil
		}
	}
}

func (s *Service) createRequest(ctx context.Context, resource, requester string, o lockOptions) (LockRequest, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return LockRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	req, err := tx.CreateRequest(ctx, NewLockRequest{
		Resource:   resource,
		Requester:  requester,
		ExpiryTime: o.expiry,
		KeepAlive:  o.keepAlive,
		Timeout:    o.timeout,
	})
	if err != nil {
		return LockRequest{}, err
	}
	return req, tx.Commit()
}

// abandon deletes the caller's own request and reports whether it had already
// been resolved by someone else. When release is set and the request was
// granted behind our back, the lease is handed back so it is not stranded.
func (s *Service) abandon(req LockRequest, release bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	deleted, err := s.deleteRequests(ctx, req.ID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(map[string]interface{}{
				"op":         "abandon_request",
				"lock":       req.Resource,
				"requester":  req.Requester,
				"request_id": req.ID,
				"error":      err.Error(),
			})
		}
		return false
	}
	if deleted > 0 {
		return false
	}
	if release {
		info, err := s.Get(ctx, req.Resource)
		if err == nil && info.LockedAt != nil && info.Holder() == req.Requester && !info.LockedAt.Before(req.CreatedAt) {
			_, _ = s.Release(ctx, req.Resource, req.Requester)
		}
	}
	return true
}

func (s *Service) deleteRequests(ctx context.Context, ids ...int64) (int64, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := tx.DeleteRequests(ctx, ids...)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Release frees resource if requester holds it. It reports whether the lock
// is free afterwards; a lock held by someone else is left alone and reported
// as false.
func (s *Service) Release(ctx context.Context, resource, requester string) (released bool, err error) {
	if resource == "" || requester == "" {
		return false, invalidArg("resource and requester required")
	}
	ctx, span := tracer.Start(ctx, "Service.Release", trace.WithAttributes(attribute.String("lock.resource", resource)))
	start := time.Now()
	defer func() {
		endSpan(span, err)
		s.observeLatency("release", start)
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "release",
			"lock":       resource,
			"requester":  requester,
			"released":   released,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		s.countBusy("release", err)
		s.incResult("release", "error")
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	info, err := tx.TryUnlock(ctx, resource, requester)
	if err != nil {
		s.countBusy("release", err)
		s.incResult("release", "error")
		return false, err
	}
	if err := tx.Commit(); err != nil {
		s.countBusy("release", err)
		s.incResult("release", "error")
		return false, err
	}

	released = info.LockedBy == nil
	if !released {
		s.incResult("release", "fail")
		return false, nil
	}
	s.incResult("release", "success")
	s.publish(resource)
	return true, nil
}

// Extend pushes the expiry of a lease held by requester by d, starting from
// the current expiry (or the store clock when the lease had none). It returns
// a *StaleLockError when requester no longer holds the lease.
func (s *Service) Extend(ctx context.Context, resource, requester string, d time.Duration) (info LockInfo, err error) {
	if resource == "" || requester == "" {
		return LockInfo{}, invalidArg("resource and requester required")
	}
	if d <= 0 {
		return LockInfo{}, invalidArg("extend duration must be > 0")
	}
	ctx, span := tracer.Start(ctx, "Service.Extend", trace.WithAttributes(attribute.String("lock.resource", resource)))
	start := time.Now()
	defer func() {
		endSpan(span, err)
		s.observeLatency("extend", start)
		switch {
		case errors.Is(err, ErrStaleLock):
			s.incResult("extend", "stale")
		case err != nil:
			s.countBusy("extend", err)
			s.incResult("extend", "error")
		default:
			s.incResult("extend", "success")
		}
	}()

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return LockInfo{}, err
	}
	defer func() { _ = tx.Rollback() }()

	info, err = tx.TryExtendExpiry(ctx, resource, requester, d)
	if err != nil {
		return LockInfo{}, err
	}
	if err := tx.Commit(); err != nil {
		return LockInfo{}, err
	}

	now, err := s.repo.Now(ctx)
	if err != nil {
		return LockInfo{}, err
	}
	if !info.IsHeldBy(requester, now) {
		return info, &StaleLockError{Resource: resource, Requester: requester, State: info}
	}
	return info, nil
}

// Get returns the lock state. A resource that was never locked is reported as free.
func (s *Service) Get(ctx context.Context, resource string) (LockInfo, error) {
	if resource == "" {
		return LockInfo{}, invalidArg("resource required")
	}
	info, err := s.repo.Get(ctx, resource)
	if err != nil {
		return LockInfo{}, err
	}
	if info == nil {
		return LockInfo{Resource: resource}, nil
	}
	return *info, nil
}

// GetPendingRequests lists the queued requests for resource, oldest first.
func (s *Service) GetPendingRequests(ctx context.Context, resource string) ([]LockRequest, error) {
	if resource == "" {
		return nil, invalidArg("resource required")
	}
	reqs, err := s.repo.ListRequests(ctx, resource)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []LockRequest{}
	}
	return reqs, nil
}

// Query searches lock records. Page < 0 returns every match on one page.
func (s *Service) Query(ctx context.Context, q Query) (QueryResult, error) {
	if q.Page >= 0 && q.PageSize <= 0 {
		return QueryResult{}, invalidArg("page_size must be > 0 when paginating")
	}
	locks, total, err := s.repo.Search(ctx, q)
	if err != nil {
		return QueryResult{}, err
	}
	if locks == nil {
		locks = []LockInfo{}
	}
	res := QueryResult{Locks: locks, Total: total}
	switch {
	case total == 0:
		res.PageCount = 0
	case q.Paginated():
		res.PageCount = int((total + int64(q.PageSize) - 1) / int64(q.PageSize))
	default:
		res.PageCount = 1
	}
	return res, nil
}

// Count returns the number of lock records.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}

// ForceUnlock clears the holder of resource regardless of who owns it.
func (s *Service) ForceUnlock(ctx context.Context, resource string, alsoClearRequests bool) (bool, error) {
	if resource == "" {
		return false, invalidArg("resource required")
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := tx.ForceUnlock(ctx, resource, alsoClearRequests)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if s.logger != nil {
		s.logger.Warn(map[string]interface{}{
			"op":             "force_unlock",
			"lock":           resource,
			"was_held":       ok,
			"clear_requests": alsoClearRequests,
		})
	}
	if ok {
		s.publish(resource)
	}
	return ok, nil
}

// ClearAll removes every lock and request.
func (s *Service) ClearAll(ctx context.Context) error {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.ClearAll(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Warn(map[string]interface{}{"op": "clear_all"})
	}
	return nil
}
