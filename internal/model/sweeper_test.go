package model_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/model"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/obs"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/storage"
)

func queueRequest(t *testing.T, repo *storage.Repository, req model.NewLockRequest) model.LockRequest {
	t.Helper()
	ctx := context.Background()
	tx, err := repo.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	out, err := tx.CreateRequest(ctx, req)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return out
}

func TestSweepReclaimsExpiredLease(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ttl := 150 * time.Millisecond
	if res, err := svc.TryLock(ctx, "R", "Alice", model.WithExpiry(ttl)); err != nil || !res.Success {
		t.Fatalf("alice: res=%+v err=%v", res, err)
	}
	time.Sleep(ttl + 100*time.Millisecond)

	zero := time.Duration(0)
	rep, err := model.NewSweeper(svc, 0, &zero).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Reclaimed == 0 {
		t.Fatalf("expected the expired lease to be reclaimed: %+v", rep)
	}

	info, err := svc.Get(ctx, "R")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info.LockedBy != nil {
		t.Fatalf("expected free lock after sweep, got holder %q", info.Holder())
	}
}

func TestSweepKeepsLiveLocksAndFreeRowsWithoutThreshold(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.TryLock(ctx, "held", "Alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if _, err := svc.TryLock(ctx, "free", "Bob"); err != nil {
		t.Fatalf("bob: %v", err)
	}
	if _, err := svc.Release(ctx, "free", "Bob"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := model.NewSweeper(svc, 0, nil).SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n, _ := svc.Count(ctx); n != 2 {
		t.Fatalf("expected both rows to survive without a threshold, got %d", n)
	}

	zero := time.Duration(0)
	rep, err := model.NewSweeper(svc, 0, &zero).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Reclaimed != 1 || rep.Held != 1 {
		t.Fatalf("expected only the free row reclaimed: %+v", rep)
	}
	info, _ := svc.Get(ctx, "held")
	if info.Holder() != "Alice" {
		t.Fatalf("live lock must never be reclaimed, holder=%q", info.Holder())
	}
}

func TestSweepGrantsOldestRequest(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	if _, err := svc.TryLock(ctx, "R", "Alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	lease := time.Minute
	bob := queueRequest(t, repo, model.NewLockRequest{Resource: "R", Requester: "Bob", ExpiryTime: &lease})
	time.Sleep(5 * time.Millisecond)
	queueRequest(t, repo, model.NewLockRequest{Resource: "R", Requester: "Carol"})

	if _, err := svc.Release(ctx, "R", "Alice"); err != nil {
		t.Fatalf("release: %v", err)
	}

	rep, err := model.NewSweeper(svc, 0, nil).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Granted != 1 || rep.Pending != 1 || rep.Held != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	info, _ := svc.Get(ctx, "R")
	if info.Holder() != "Bob" {
		t.Fatalf("expected oldest request (Bob) to be granted, got %q", info.Holder())
	}
	if info.ExpiryDate == nil {
		t.Fatalf("expected the queued expiry to be applied")
	}

	reqs, _ := svc.GetPendingRequests(ctx, "R")
	if len(reqs) != 1 || reqs[0].Requester != "Carol" {
		t.Fatalf("expected only Carol queued, got %+v", reqs)
	}
	gone, err := repo.ResolveDeletedRequestIDs(ctx, []int64{bob.ID})
	if err != nil || len(gone) != 1 {
		t.Fatalf("expected Bob's request resolved: gone=%v err=%v", gone, err)
	}

	// a second sweep must not steal the lock from Bob
	if rep, _ := model.NewSweeper(svc, 0, nil).SweepOnce(ctx); rep.Granted != 0 {
		t.Fatalf("held lock granted again: %+v", rep)
	}
}

func TestSweepPrunesTimedOutRequests(t *testing.T) {
	svc, repo := newService(t)
	ctx := context.Background()

	if _, err := svc.TryLock(ctx, "R", "Alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	short := 10 * time.Millisecond
	queueRequest(t, repo, model.NewLockRequest{Resource: "R", Requester: "Ghost", Timeout: &short})
	queueRequest(t, repo, model.NewLockRequest{Resource: "R", Requester: "Bob"})
	time.Sleep(50 * time.Millisecond)

	rep, err := model.NewSweeper(svc, 0, nil).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Pruned != 1 || rep.Pending != 1 {
		t.Fatalf("expected one pruned and one left: %+v", rep)
	}
	reqs, _ := svc.GetPendingRequests(ctx, "R")
	if len(reqs) != 1 || reqs[0].Requester != "Bob" {
		t.Fatalf("unexpected queue: %+v", reqs)
	}
}

func TestSweepMetricsAndLogging(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	m := obs.NewMetrics(reg)
	svc := model.NewService(openRepo(t), obs.NewLoggerTo(&buf), m)
	ctx := context.Background()

	if _, err := svc.TryLock(ctx, "a", "Alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if _, err := svc.TryLock(ctx, "b", "Alice", model.WithExpiry(50*time.Millisecond)); err != nil {
		t.Fatalf("alice b: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	buf.Reset()

	if _, err := model.NewSweeper(svc, 0, nil).SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := testutil.ToFloat64(m.LocksHeld); got != 1 {
		t.Fatalf("locks_held=%v", got)
	}
	if got := testutil.ToFloat64(m.SweepTotal.WithLabelValues("reclaimed")); got != 1 {
		t.Fatalf("reclaimed=%v", got)
	}
	if !strings.Contains(buf.String(), `"op":"sweep"`) {
		t.Fatalf("expected a sweep log line, got %q", buf.String())
	}

	// nothing to do: nothing logged
	buf.Reset()
	if _, err := model.NewSweeper(svc, 0, nil).SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("idle sweep should be silent, got %q", buf.String())
	}
}

func TestSweeperRunDisabled(t *testing.T) {
	svc, _ := newService(t)

	done := make(chan struct{})
	go func() {
		model.NewSweeper(svc, 0, nil).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run with interval 0 should return immediately")
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	svc, _ := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		model.NewSweeper(svc, 20*time.Millisecond, nil).Run(ctx)
		close(done)
	}()
	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
