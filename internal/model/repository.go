package model

import (
	"context"
	"time"
)

// Repository is the storage contract of the Service. Reads run outside of a
// transaction; every mutation goes through a Tx opened with Begin.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)

	// Get returns nil, nil when no row exists for resource.
	Get(ctx context.Context, resource string) (*LockInfo, error)
	Search(ctx context.Context, q Query) ([]LockInfo, int64, error)
	Count(ctx context.Context) (int64, error)

	// ListRequests returns the pending requests for resource, oldest first.
	ListRequests(ctx context.Context, resource string) ([]LockRequest, error)
	// ListRequestedResources returns every resource with at least one pending request.
	ListRequestedResources(ctx context.Context) ([]string, error)
	// ResolveDeletedRequestIDs returns the subset of ids that no longer exist.
	ResolveDeletedRequestIDs(ctx context.Context, ids []int64) ([]int64, error)

	// Now returns the store clock.
	Now(ctx context.Context) (time.Time, error)
}

// Tx is a transaction scope. Callers Commit on success and always defer
// Rollback, which is a no-op after Commit.
type Tx interface {
	// TryAssignLock sets the holder if the lock is free or expired and returns
	// the resulting row. Success is LockedBy == requester.
	TryAssignLock(ctx context.Context, resource, requester string, expiry *time.Duration) (LockInfo, error)
	TryUnlock(ctx context.Context, resource, requester string) (LockInfo, error)
	// TryExtendExpiry sets expiry to (current expiry or store now) + d when
	// requester still holds an unexpired lease.
	TryExtendExpiry(ctx context.Context, resource, requester string, d time.Duration) (LockInfo, error)

	CreateRequest(ctx context.Context, req NewLockRequest) (LockRequest, error)
	DeleteRequests(ctx context.Context, ids ...int64) (int64, error)
	PruneTimedOutRequests(ctx context.Context) (int64, error)

	ReclaimInactive(ctx context.Context, threshold *time.Duration) (int64, error)
	ForceUnlock(ctx context.Context, resource string, alsoClearRequests bool) (bool, error)
	ClearAll(ctx context.Context) error

	Commit() error
	Rollback() error
}
