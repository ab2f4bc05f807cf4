package model

import "time"

// LockInfo is the state of a lock record at a point in time.
type LockInfo struct {
	Resource        string
	LockedBy        *string
	LockedAt        *time.Time
	LastLockDate    *time.Time
	ExpiryDate      *time.Time // nil = never expires
	PendingRequests int
}

// IsExpired reports whether the lease has lapsed at now. A lock without an
// expiry date never expires.
func (l LockInfo) IsExpired(now time.Time) bool {
	return l.ExpiryDate != nil && !l.ExpiryDate.After(now)
}

// IsFree reports whether the lock can be assigned at now.
func (l LockInfo) IsFree(now time.Time) bool {
	return l.LockedBy == nil || l.IsExpired(now)
}

// IsHeldBy reports whether requester owns an unexpired lease at now.
func (l LockInfo) IsHeldBy(requester string, now time.Time) bool {
	return l.LockedBy != nil && *l.LockedBy == requester && !l.IsExpired(now)
}

// Holder returns the current holder or "" when unheld.
func (l LockInfo) Holder() string {
	if l.LockedBy == nil {
		return ""
	}
	return *l.LockedBy
}

// LockRequest is a queued request for a resource that was unavailable.
type LockRequest struct {
	ID         int64
	Resource   string
	Requester  string
	ExpiryTime *time.Duration // lease to apply once granted
	KeepAlive  bool
	Timeout    *time.Time // absolute deadline
	CreatedAt  time.Time
}

// NewLockRequest carries the caller supplied fields of a LockRequest. The store
// assigns the id, the creation date and the absolute timeout.
type NewLockRequest struct {
	Resource   string
	Requester  string
	ExpiryTime *time.Duration
	KeepAlive  bool
	Timeout    *time.Duration
}

// SortField enumerates the lock fields a query can be ordered by.
type SortField int

const (
	SortByResource SortField = iota
	SortByLockedBy
	SortByLockedAt
	SortByLastLockDate
	SortByExpiryDate
)

var sortFieldNames = map[SortField]string{
	SortByResource:     "resource",
	SortByLockedBy:     "locked_by",
	SortByLockedAt:     "locked_at",
	SortByLastLockDate: "last_lock_date",
	SortByExpiryDate:   "expiry_date",
}

func (f SortField) String() string {
	if n, ok := sortFieldNames[f]; ok {
		return n
	}
	return "unknown"
}

// ParseSortField maps a field name to a SortField. Empty selects SortByResource.
func ParseSortField(s string) (SortField, bool) {
	if s == "" {
		return SortByResource, true
	}
	for f, n := range sortFieldNames {
		if n == s {
			return f, true
		}
	}
	return SortByResource, false
}

// LockState filters locks by whether they are currently held.
type LockState int

const (
	StateAny LockState = iota
	StateLocked
	StateFree
)

// LockFilter is a plain criteria value; zero fields match everything.
type LockFilter struct {
	ResourcePrefix string
	LockedBy       string
	State          LockState
}

// Query selects a page of lock records. Page is zero based; Page < 0 disables
// pagination.
type Query struct {
	Filter     LockFilter
	Page       int
	PageSize   int
	SortBy     SortField
	Descending bool
}

func (q Query) Paginated() bool {
	return q.Page >= 0 && q.PageSize > 0
}

type QueryResult struct {
	Locks     []LockInfo
	Total     int64
	PageCount int
}

type TryLockResult struct {
	Success bool
	Lock    *Handle // nil unless Success
	State   LockInfo
}

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	Pruned    int64
	Granted   int64
	Reclaimed int64
	Held      int64
	Pending   int64
}
