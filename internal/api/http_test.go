package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/model"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *model.Service) {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "api_test.db"),
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	svc := model.NewService(storage.NewRepository(db), nil, nil, model.WithPollInterval(20*time.Millisecond))
	ts := httptest.NewServer(NewServer(svc, nil).Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func do(t *testing.T, ts *httptest.Server, method, path string, body interface{}, out interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func TestHealthzSetsRequestID(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := do(t, ts, http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}
}

func TestTryLockExtendUnlockFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	var acq acquireResp
	resp := do(t, ts, http.MethodPost, "/v1/locks/jobs%2Fnightly/trylock", acquireReq{Requester: "alice", ExpiryMS: 60000}, &acq)
	if resp.StatusCode != http.StatusOK || !acq.Acquired {
		t.Fatalf("alice trylock: status=%d resp=%+v", resp.StatusCode, acq)
	}
	if acq.Lock.Resource != "jobs/nightly" || acq.Lock.ExpiryDateMS == 0 {
		t.Fatalf("unexpected lock view: %+v", acq.Lock)
	}

	var held acquireResp
	resp = do(t, ts, http.MethodPost, "/v1/locks/jobs%2Fnightly/trylock", acquireReq{Requester: "bob"}, &held)
	if resp.StatusCode != http.StatusConflict || held.Acquired || held.Lock.LockedBy != "alice" {
		t.Fatalf("bob trylock: status=%d resp=%+v", resp.StatusCode, held)
	}

	var ext struct {
		Lock lockView `json:"lock"`
	}
	resp = do(t, ts, http.MethodPost, "/v1/locks/jobs%2Fnightly/extend", extendReq{Requester: "alice", ExtendByMS: 1000}, &ext)
	if resp.StatusCode != http.StatusOK || ext.Lock.ExpiryDateMS != acq.Lock.ExpiryDateMS+1000 {
		t.Fatalf("extend: status=%d resp=%+v", resp.StatusCode, ext)
	}

	var stale map[string]interface{}
	resp = do(t, ts, http.MethodPost, "/v1/locks/jobs%2Fnightly/extend", extendReq{Requester: "bob", ExtendByMS: 1000}, &stale)
	if resp.StatusCode != http.StatusConflict || stale["lock"] == nil {
		t.Fatalf("stale extend: status=%d resp=%v", resp.StatusCode, stale)
	}

	var rel map[string]bool
	resp = do(t, ts, http.MethodPost, "/v1/locks/jobs%2Fnightly/unlock", unlockReq{Requester: "alice"}, &rel)
	if resp.StatusCode != http.StatusOK || !rel["released"] {
		t.Fatalf("unlock: status=%d resp=%v", resp.StatusCode, rel)
	}

	var got lockView
	do(t, ts, http.MethodGet, "/v1/locks/jobs%2Fnightly", nil, &got)
	if got.LockedBy != "" || got.LastLockDateMS == 0 {
		t.Fatalf("expected free lock with last lock date, got %+v", got)
	}
}

func TestLockTimeoutAndWake(t *testing.T) {
	ts, svc := newTestServer(t)
	ctx := context.Background()

	if _, err := svc.TryLock(ctx, "R", "alice"); err != nil {
		t.Fatalf("alice: %v", err)
	}

	zero := int64(0)
	var timedOut acquireResp
	resp := do(t, ts, http.MethodPost, "/v1/locks/R/lock", acquireReq{Requester: "bob", TimeoutMS: &zero}, &timedOut)
	if resp.StatusCode != http.StatusRequestTimeout || timedOut.Lock.LockedBy != "alice" {
		t.Fatalf("expected 408 naming alice: status=%d resp=%+v", resp.StatusCode, timedOut)
	}

	done := make(chan acquireResp, 1)
	go func() {
		wait := int64(5000)
		var out acquireResp
		do(t, ts, http.MethodPost, "/v1/locks/R/lock", acquireReq{Requester: "bob", TimeoutMS: &wait}, &out)
		done <- out
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		var reqs struct {
			Requests []requestView `json:"requests"`
		}
		do(t, ts, http.MethodGet, "/v1/locks/R/requests", nil, &reqs)
		if len(reqs.Requests) == 1 {
			if reqs.Requests[0].Requester != "bob" {
				t.Fatalf("unexpected request: %+v", reqs.Requests[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bob never queued")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := svc.Release(ctx, "R", "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case out := <-done:
		if !out.Acquired || out.Lock.LockedBy != "bob" {
			t.Fatalf("bob lock: %+v", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("bob was not granted the lock")
	}
}

func TestQueryAndAdminEndpoints(t *testing.T) {
	ts, svc := newTestServer(t)
	ctx := context.Background()

	for _, res := range []string{"a1", "a2", "b1"} {
		if _, err := svc.TryLock(ctx, res, "alice"); err != nil {
			t.Fatalf("trylock: %v", err)
		}
	}

	var page queryResp
	resp := do(t, ts, http.MethodGet, "/v1/locks?resource_prefix=a&page=0&page_size=1&sort=resource&desc=true", nil, &page)
	if resp.StatusCode != http.StatusOK || page.Total != 2 || page.PageCount != 2 || len(page.Locks) != 1 || page.Locks[0].Resource != "a2" {
		t.Fatalf("query: status=%d resp=%+v", resp.StatusCode, page)
	}

	resp = do(t, ts, http.MethodGet, "/v1/locks?sort=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad sort: status=%d", resp.StatusCode)
	}

	var forced map[string]bool
	resp = do(t, ts, http.MethodPost, "/v1/locks/b1/force-unlock", forceUnlockReq{ClearRequests: true}, &forced)
	if resp.StatusCode != http.StatusOK || !forced["was_held"] {
		t.Fatalf("force unlock: status=%d resp=%v", resp.StatusCode, forced)
	}

	var free queryResp
	do(t, ts, http.MethodGet, "/v1/locks?state=free", nil, &free)
	if free.Total != 1 || free.Locks[0].Resource != "b1" {
		t.Fatalf("free query: %+v", free)
	}

	resp = do(t, ts, http.MethodDelete, "/v1/locks", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status=%d", resp.StatusCode)
	}
	if n, _ := svc.Count(ctx); n != 0 {
		t.Fatalf("expected empty store, got %d", n)
	}
}

func TestBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct {
		method, path string
		body         interface{}
		want         int
	}{
		{http.MethodPost, "/v1/locks/R/trylock", acquireReq{}, http.StatusBadRequest},
		{http.MethodPost, "/v1/locks/R/trylock", acquireReq{Requester: "a", ExpiryMS: -1}, http.StatusBadRequest},
		{http.MethodPost, "/v1/locks/R/extend", extendReq{Requester: "a"}, http.StatusBadRequest},
		{http.MethodPost, "/v1/locks/R/bogus", nil, http.StatusNotFound},
		{http.MethodGet, "/v1/locks/R/x/y", nil, http.StatusNotFound},
		{http.MethodPut, "/v1/locks/R", nil, http.StatusMethodNotAllowed},
		{http.MethodPost, "/v1/locks/R/unlock", map[string]string{"owner": "x"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := do(t, ts, tc.method, tc.path, tc.body, nil)
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s: status=%d want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		model.ErrInvalidArgument: http.StatusBadRequest,
		&model.StaleLockError{}:  http.StatusConflict,
		&model.TimeoutError{}:    http.StatusRequestTimeout,
		context.Canceled:         http.StatusServiceUnavailable,
		model.ErrStoreBusy:       http.StatusServiceUnavailable,
		storageErr{}:             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("%T: got %d want %d", err, got, want)
		}
	}
}

type storageErr struct{}

func (storageErr) Error() string { return "disk on fire" }
