package lockclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// lockWaitSlack is added to the server-side wait so the HTTP call outlives it.
const lockWaitSlack = 5 * time.Second

type Client struct {
	baseURL string
	http    *http.Client

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ---- Wire format (matches internal/api) ----

type acquireReq struct {
	Requester string `json:"requester"`
	ExpiryMS  int64  `json:"expiry_ms,omitempty"`
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`
}
type acquireResp struct {
	Acquired bool      `json:"acquired"`
	Lock     LockState `json:"lock"`
	Error    string    `json:"error,omitempty"`
}

type extendReq struct {
	Requester  string `json:"requester"`
	ExtendByMS int64  `json:"extend_by_ms"`
}
type extendResp struct {
	Lock  LockState `json:"lock"`
	Error string    `json:"error,omitempty"`
}

type unlockReq struct {
	Requester string `json:"requester"`
}
type unlockResp struct {
	Released bool `json:"released"`
}

type requestsResp struct {
	Requests []PendingRequest `json:"requests"`
}

func (c *Client) lockPath(resource, action string) string {
	p := fmt.Sprintf("%s/v1/locks/%s", c.baseURL, url.PathEscape(resource))
	if action != "" {
		p += "/" + action
	}
	return p
}

// ---- Operations ----

// TryLock makes one attempt. A lock held by someone else is reported through
// the *NotAcquiredError result, not as an error.
func (c *Client) TryLock(ctx context.Context, resource, requester string, ttl time.Duration) (Lease, *NotAcquiredError, error) {
	if resource == "" || requester == "" {
		return Lease{}, nil, fmt.Errorf("resource and requester required")
	}
	if ttl < 0 {
		return Lease{}, nil, fmt.Errorf("ttl must be >= 0")
	}

	path := c.lockPath(resource, "trylock")
	var out acquireResp
	code, raw, err := c.doJSON(ctx, c.http, http.MethodPost, path, acquireReq{Requester: requester, ExpiryMS: ttl.Milliseconds()}, &out)
	if err != nil {
		return Lease{}, nil, err
	}

	if code == http.StatusOK && out.Acquired {
		return Lease{Resource: resource, Requester: requester, TTL: ttl, ExpiryMS: out.Lock.ExpiryDateMS}, nil, nil
	}
	if code == http.StatusConflict {
		return Lease{}, &NotAcquiredError{
			Resource:        resource,
			CurrentHolder:   out.Lock.LockedBy,
			CurrentExpiryMS: out.Lock.ExpiryDateMS,
		}, nil
	}
	return Lease{}, nil, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

// Lock waits on the server until the lock is granted or timeout elapses.
// The server queues the caller so it takes part in fair ordering.
func (c *Client) Lock(ctx context.Context, resource, requester string, ttl, timeout time.Duration) (Lease, error) {
	if resource == "" || requester == "" {
		return Lease{}, fmt.Errorf("resource and requester required")
	}
	if ttl < 0 || timeout < 0 {
		return Lease{}, fmt.Errorf("ttl and timeout must be >= 0")
	}

	// the shared client timeout may be shorter than the wait
	hc := *c.http
	hc.Timeout = 0
	ctx, cancel := context.WithTimeout(ctx, timeout+lockWaitSlack)
	defer cancel()

	path := c.lockPath(resource, "lock")
	timeoutMS := timeout.Milliseconds()
	var out acquireResp
	code, raw, err := c.doJSON(ctx, &hc, http.MethodPost, path, acquireReq{
		Requester: requester,
		ExpiryMS:  ttl.Milliseconds(),
		TimeoutMS: &timeoutMS,
	}, &out)
	if err != nil {
		return Lease{}, err
	}

	switch code {
	case http.StatusOK:
		return Lease{Resource: resource, Requester: requester, TTL: ttl, ExpiryMS: out.Lock.ExpiryDateMS}, nil
	case http.StatusRequestTimeout:
		return Lease{}, &TimeoutError{Resource: resource, Requester: requester, CurrentHolder: out.Lock.LockedBy}
	}
	return Lease{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

// Extend pushes the lease expiry by d and returns the updated lease.
func (c *Client) Extend(ctx context.Context, l Lease, d time.Duration) (Lease, error) {
	if l.Resource == "" || l.Requester == "" {
		return l, fmt.Errorf("invalid lease")
	}
	if d <= 0 {
		return l, fmt.Errorf("extend duration must be > 0")
	}

	path := c.lockPath(l.Resource, "extend")
	var out extendResp
	code, raw, err := c.doJSON(ctx, c.http, http.MethodPost, path, extendReq{Requester: l.Requester, ExtendByMS: d.Milliseconds()}, &out)
	if err != nil {
		return l, err
	}

	switch code {
	case http.StatusOK:
		l.ExpiryMS = out.Lock.ExpiryDateMS
		return l, nil
	case http.StatusConflict:
		return l, &StaleLockError{Resource: l.Resource, Requester: l.Requester, CurrentHolder: out.Lock.LockedBy}
	}
	return l, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

// Unlock releases the lease. It reports false when another holder has taken
// the lock over; unlocking twice is safe.
func (c *Client) Unlock(ctx context.Context, l Lease) (bool, error) {
	if l.Resource == "" || l.Requester == "" {
		return false, fmt.Errorf("invalid lease")
	}

	path := c.lockPath(l.Resource, "unlock")
	var out unlockResp
	code, raw, err := c.doJSON(ctx, c.http, http.MethodPost, path, unlockReq{Requester: l.Requester}, &out)
	if err != nil {
		return false, err
	}
	if code == http.StatusOK {
		return out.Released, nil
	}
	return false, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
}

func (c *Client) Get(ctx context.Context, resource string) (LockState, error) {
	path := c.lockPath(resource, "")
	var out LockState
	code, raw, err := c.doJSON(ctx, c.http, http.MethodGet, path, nil, &out)
	if err != nil {
		return LockState{}, err
	}
	if code == http.StatusOK {
		return out, nil
	}
	return LockState{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
}

// PendingRequests lists the queued requests for resource, oldest first.
func (c *Client) PendingRequests(ctx context.Context, resource string) ([]PendingRequest, error) {
	path := c.lockPath(resource, "requests")
	var out requestsResp
	code, raw, err := c.doJSON(ctx, c.http, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if code == http.StatusOK {
		return out.Requests, nil
	}
	return nil, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
}

// doJSON sends JSON and optionally decodes JSON response.
// Returns status code and raw body (trimmed) for debugging.
func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, url string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	rsp, err := hc.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	raw := strings.TrimSpace(string(data))

	if resp != nil && len(data) > 0 {
		_ = json.Unmarshal(data, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, raw, nil
}

// ---- Retry wrapper ----

// TryLockWithRetry polls TryLock with jittered backoff. Prefer Lock, which
// queues on the server; this is for callers that must not hold a server
// connection open.
func (c *Client) TryLockWithRetry(ctx context.Context, resource, requester string, opt AcquireOptions) (Lease, error) {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 50
	}
	if opt.MinRetry <= 0 {
		opt.MinRetry = 25 * time.Millisecond
	}
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 1 * time.Second
	}
	if opt.JitterFrac <= 0 {
		opt.JitterFrac = 0.2
	}

	start := time.Now()
	var lastNA *NotAcquiredError

	for attempt := 0; attempt <= opt.MaxRetries; attempt++ {
		if opt.MaxTotalWait > 0 && time.Since(start) > opt.MaxTotalWait {
			if lastNA != nil {
				return Lease{}, lastNA
			}
			return Lease{}, context.DeadlineExceeded
		}

		lease, na, err := c.TryLock(ctx, resource, requester, opt.TTL)
		if err != nil {
			return Lease{}, err
		}
		if na == nil {
			return lease, nil
		}

		lastNA = na
		// Backoff: wait for the current lease to lapse when it is close; clamp and add jitter.
		sleep := time.Duration(float64(opt.MinRetry) * math.Pow(1.5, float64(attempt)))
		if na.CurrentExpiryMS > 0 {
			if until := time.Until(time.UnixMilli(na.CurrentExpiryMS)); until > 0 && until < sleep {
				sleep = until
			}
		}
		if sleep < opt.MinRetry {
			sleep = opt.MinRetry
		}
		if sleep > opt.MaxRetry {
			sleep = opt.MaxRetry
		}
		c.mu.Lock()
		sleep = addJitter(c.rng, sleep, opt.JitterFrac)
		c.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, ctx.Err()
		case <-timer.C:
		}
	}

	if lastNA != nil {
		return Lease{}, lastNA
	}
	return Lease{}, fmt.Errorf("acquire failed")
}

func addJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// jitter range: [d*(1-frac), d*(1+frac)]
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
