package lockclient

import "time"

// Lease is what the SDK returns on successful acquire.
// Pass it back to Extend/Unlock; Extend returns an updated copy.
type Lease struct {
	Resource  string
	Requester string
	TTL       time.Duration // 0 => never expires
	ExpiryMS  int64         // server-provided expiry; 0 => never expires
}

// Expiry returns the server expiry, or the zero time for leases without one.
func (l Lease) Expiry() time.Time {
	if l.ExpiryMS == 0 {
		return time.Time{}
	}
	return time.UnixMilli(l.ExpiryMS)
}

// LockState mirrors the server view of a lock record.
type LockState struct {
	Resource        string `json:"resource"`
	LockedBy        string `json:"locked_by,omitempty"`
	LockedAtMS      int64  `json:"locked_at_ms,omitempty"`
	LastLockDateMS  int64  `json:"last_lock_date_ms,omitempty"`
	ExpiryDateMS    int64  `json:"expiry_date_ms,omitempty"`
	PendingRequests int    `json:"pending_requests"`
}

// PendingRequest is a queued request as reported by the server.
type PendingRequest struct {
	ID           int64  `json:"id"`
	Resource     string `json:"resource"`
	Requester    string `json:"requester"`
	ExpiryTimeMS int64  `json:"expiry_time_ms,omitempty"`
	KeepAlive    bool   `json:"keep_alive"`
	TimeoutMS    int64  `json:"timeout_ms,omitempty"`
	CreatedAtMS  int64  `json:"created_at_ms"`
}

// AcquireOptions controls client-side retry behavior and TTL.
type AcquireOptions struct {
	TTL          time.Duration // 0 => never expires
	MaxRetries   int           // bounded retry; 0 => default
	MaxTotalWait time.Duration // optional global cap; 0 => no cap
	MinRetry     time.Duration // default 25ms
	MaxRetry     time.Duration // default 1s
	JitterFrac   float64       // default 0.2 (20%)
}

// KeepAliveOptions controls renew behavior.
type KeepAliveOptions struct {
	// Interval between renewals; each renewal pushes the expiry by Interval so
	// the lead over the server clock stays constant. Default TTL/3.
	Interval time.Duration
}
