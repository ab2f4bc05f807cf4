package model

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Sweeper performs the periodic maintenance that keeps queued requests
// moving when their owners are not around to retry:
//  1. drops requests whose timeout elapsed
//  2. grants free locks to the oldest pending request
//  3. reclaims expired and inactive lock records
//  4. refreshes the held/pending gauges
type Sweeper struct {
	svc       *Service
	interval  time.Duration
	threshold *time.Duration
}

// NewSweeper creates a sweeper. interval <= 0 disables Run. A nil threshold
// keeps free lock records forever.
func NewSweeper(svc *Service, interval time.Duration, threshold *time.Duration) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, threshold: threshold}
}

func (sw *Sweeper) Run(ctx context.Context) {
	if sw.interval <= 0 {
		return
	}
	t := time.NewTicker(sw.interval)
	defer t.Stop()

	// Run once immediately
	_, _ = sw.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs every maintenance step once. A failing step does not stop
// the ones after it; the first error is returned.
func (sw *Sweeper) SweepOnce(ctx context.Context) (rep SweepReport, err error) {
	ctx, span := tracer.Start(ctx, "Sweeper.SweepOnce")
	start := time.Now()
	var errs []string
	keep := func(step string, e error) {
		if e == nil {
			return
		}
		if err == nil {
			err = e
		}
		errs = append(errs, step+": "+e.Error())
	}
	defer func() {
		span.SetAttributes(
			attribute.Int64("sweep.pruned", rep.Pruned),
			attribute.Int64("sweep.granted", rep.Granted),
			attribute.Int64("sweep.reclaimed", rep.Reclaimed),
		)
		endSpan(span, err)

		if m := sw.svc.metrics; m != nil {
			m.SweepTotal.WithLabelValues("pruned").Add(float64(rep.Pruned))
			m.SweepTotal.WithLabelValues("granted").Add(float64(rep.Granted))
			m.SweepTotal.WithLabelValues("reclaimed").Add(float64(rep.Reclaimed))
		}

		// Only log if something interesting happened or errors
		if rep.Pruned == 0 && rep.Granted == 0 && rep.Reclaimed == 0 && len(errs) == 0 {
			return
		}
		fields := map[string]interface{}{
			"op":         "sweep",
			"pruned":     rep.Pruned,
			"granted":    rep.Granted,
			"reclaimed":  rep.Reclaimed,
			"held":       rep.Held,
			"pending":    rep.Pending,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if len(errs) > 0 {
			fields["errors"] = errs
			sw.svc.logger.Error(fields)
		} else {
			sw.svc.logger.Info(fields)
		}
	}()

	n, e := sw.prune(ctx)
	rep.Pruned = n
	keep("prune", e)

	n, e = sw.grant(ctx)
	rep.Granted = n
	keep("grant", e)

	n, e = sw.reclaim(ctx)
	rep.Reclaimed = n
	keep("reclaim", e)

	held, pending, e := sw.gauges(ctx)
	rep.Held, rep.Pending = held, pending
	keep("gauges", e)

	return rep, err
}

func (sw *Sweeper) prune(ctx context.Context) (int64, error) {
	tx, err := sw.svc.repo.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := tx.PruneTimedOutRequests(ctx)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// grant hands each free lock to its oldest live request. The waiter, if it is
// still around, sees itself as holder on its next retry.
func (sw *Sweeper) grant(ctx context.Context) (int64, error) {
	resources, err := sw.svc.repo.ListRequestedResources(ctx)
	if err != nil {
		return 0, err
	}
	var granted int64
	for _, res := range resources {
		if ctx.Err() != nil {
			return granted, ctx.Err()
		}
		ok, err := sw.grantOldest(ctx, res)
		if err != nil {
			return granted, err
		}
		if ok {
			granted++
			sw.svc.publish(res)
		}
	}
	return granted, nil
}

func (sw *Sweeper) grantOldest(ctx context.Context, resource string) (bool, error) {
	info, err := sw.svc.Get(ctx, resource)
	if err != nil {
		return false, err
	}
	now, err := sw.svc.repo.Now(ctx)
	if err != nil {
		return false, err
	}
	if !info.IsFree(now) {
		return false, nil
	}
	reqs, err := sw.svc.repo.ListRequests(ctx, resource)
	if err != nil {
		return false, err
	}
	for _, req := range reqs {
		if req.Timeout != nil && !req.Timeout.After(now) {
			continue
		}
		tx, err := sw.svc.repo.Begin(ctx)
		if err != nil {
			return false, err
		}
		got, err := tx.TryAssignLock(ctx, resource, req.Requester, req.ExpiryTime)
		if err != nil {
			_ = tx.Rollback()
			return false, err
		}
		if got.Holder() != req.Requester {
			// someone raced us to it
			_ = tx.Rollback()
			return false, nil
		}
		if _, err := tx.DeleteRequests(ctx, req.ID); err != nil {
			_ = tx.Rollback()
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		sw.svc.logger.Info(map[string]interface{}{
			"op":         "sweep_grant",
			"lock":       resource,
			"requester":  req.Requester,
			"request_id": req.ID,
		})
		return true, nil
	}
	return false, nil
}

func (sw *Sweeper) reclaim(ctx context.Context) (int64, error) {
	tx, err := sw.svc.repo.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := tx.ReclaimInactive(ctx, sw.threshold)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (sw *Sweeper) gauges(ctx context.Context) (held, pending int64, err error) {
	_, held, err = sw.svc.repo.Search(ctx, Query{Filter: LockFilter{State: StateLocked}, Page: 0, PageSize: 1})
	if err != nil {
		return 0, 0, err
	}
	resources, err := sw.svc.repo.ListRequestedResources(ctx)
	if err != nil {
		return held, 0, err
	}
	for _, res := range resources {
		reqs, err := sw.svc.repo.ListRequests(ctx, res)
		if err != nil {
			return held, pending, err
		}
		pending += int64(len(reqs))
	}
	if m := sw.svc.metrics; m != nil {
		m.LocksHeld.Set(float64(held))
		m.RequestsPending.Set(float64(pending))
	}
	return held, pending, nil
}
