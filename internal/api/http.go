package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/model"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/obs"
)

const (
	maxDurationMS      = 10 * 60 * 1000
	defaultLockTimeout = 30 * time.Second
)

type Server struct {
	svc    *model.Service
	logger *obs.Logger
	mux    *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func NewServer(svc *model.Service, logger *obs.Logger) *Server {
	s := &Server{svc: svc, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.HandleFunc("/v1/locks", s.handleCollection)
	// Lock endpoints (simple path parsing to avoid extra router deps)
	s.mux.HandleFunc("/v1/locks/", s.handleLocks)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleQuery(w, r)
	case http.MethodDelete:
		if err := s.svc.ClearAll(r.Context()); err != nil {
			s.writeServiceErr(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// /v1/locks/{name}
	// /v1/locks/{name}/requests
	// /v1/locks/{name}/{trylock|lock|extend|unlock|force-unlock}
	// Names containing '/' must be path-escaped.
	path := strings.TrimPrefix(r.URL.EscapedPath(), "/v1/locks/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "lock name required")
		return
	}

	parts := strings.Split(path, "/")
	if len(parts) > 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}
	name, err := url.PathUnescape(parts[0])
	if err != nil || name == "" {
		writeErr(w, http.StatusBadRequest, "invalid lock name")
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		switch action {
		case "":
			s.handleGet(w, r, name)
		case "requests":
			s.handleRequests(w, r, name)
		default:
			writeErr(w, http.StatusNotFound, "invalid path")
		}

	case http.MethodPost:
		switch action {
		case "trylock":
			s.handleTryLock(w, r, name)
		case "lock":
			s.handleLock(w, r, name)
		case "extend":
			s.handleExtend(w, r, name)
		case "unlock":
			s.handleUnlock(w, r, name)
		case "force-unlock":
			s.handleForceUnlock(w, r, name)
		default:
			writeErr(w, http.StatusNotFound, "unknown action")
		}

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Views ---

type lockView struct {
	Resource        string `json:"resource"`
	LockedBy        string `json:"locked_by,omitempty"`
	LockedAtMS      int64  `json:"locked_at_ms,omitempty"`
	LastLockDateMS  int64  `json:"last_lock_date_ms,omitempty"`
	ExpiryDateMS    int64  `json:"expiry_date_ms,omitempty"`
	PendingRequests int    `json:"pending_requests"`
}

func toLockView(info model.LockInfo) lockView {
	return lockView{
		Resource:        info.Resource,
		LockedBy:        info.Holder(),
		LockedAtMS:      unixMS(info.LockedAt),
		LastLockDateMS:  unixMS(info.LastLockDate),
		ExpiryDateMS:    unixMS(info.ExpiryDate),
		PendingRequests: info.PendingRequests,
	}
}

type requestView struct {
	ID           int64  `json:"id"`
	Resource     string `json:"resource"`
	Requester    string `json:"requester"`
	ExpiryTimeMS int64  `json:"expiry_time_ms,omitempty"`
	KeepAlive    bool   `json:"keep_alive"`
	TimeoutMS    int64  `json:"timeout_ms,omitempty"`
	CreatedAtMS  int64  `json:"created_at_ms"`
}

func toRequestView(req model.LockRequest) requestView {
	v := requestView{
		ID:          req.ID,
		Resource:    req.Resource,
		Requester:   req.Requester,
		KeepAlive:   req.KeepAlive,
		TimeoutMS:   unixMS(req.Timeout),
		CreatedAtMS: req.CreatedAt.UnixMilli(),
	}
	if req.ExpiryTime != nil {
		v.ExpiryTimeMS = req.ExpiryTime.Milliseconds()
	}
	return v
}

// --- Handlers ---

type acquireReq struct {
	Requester string `json:"requester"`
	ExpiryMS  int64  `json:"expiry_ms,omitempty"`
	TimeoutMS *int64 `json:"timeout_ms,omitempty"`
}

type acquireResp struct {
	Acquired bool     `json:"acquired"`
	Lock     lockView `json:"lock"`
	Error    string   `json:"error,omitempty"`
}

func (req acquireReq) validate() (string, bool) {
	if req.Requester == "" {
		return "requester required", false
	}
	if req.ExpiryMS < 0 || req.ExpiryMS > maxDurationMS {
		return "expiry_ms must be in [0, 600000]", false
	}
	if req.TimeoutMS != nil && (*req.TimeoutMS < 0 || *req.TimeoutMS > maxDurationMS) {
		return "timeout_ms must be in [0, 600000]", false
	}
	return "", true
}

func (req acquireReq) options() []model.LockOption {
	var opts []model.LockOption
	if req.ExpiryMS > 0 {
		opts = append(opts, model.WithExpiry(time.Duration(req.ExpiryMS)*time.Millisecond))
	}
	return opts
}

func (s *Server) handleTryLock(w http.ResponseWriter, r *http.Request, name string) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := req.validate(); !ok {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}

	res, err := s.svc.TryLock(r.Context(), name, req.Requester, req.options()...)
	if err != nil {
		s.writeServiceErr(w, r, err, nil)
		return
	}
	out := acquireResp{Acquired: res.Success, Lock: toLockView(res.State)}
	if res.Success {
		writeJSON(w, http.StatusOK, out)
		return
	}
	writeJSON(w, http.StatusConflict, out)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, name string) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg, ok := req.validate(); !ok {
		writeErr(w, http.StatusBadRequest, msg)
		return
	}
	timeout := defaultLockTimeout
	if req.TimeoutMS != nil {
		timeout = time.Duration(*req.TimeoutMS) * time.Millisecond
	}

	opts := append(req.options(), model.WithTimeout(timeout))
	h, err := s.svc.Lock(r.Context(), name, req.Requester, opts...)
	if err != nil {
		var te *model.TimeoutError
		if errors.As(err, &te) {
			writeJSON(w, http.StatusRequestTimeout, acquireResp{Lock: toLockView(te.State), Error: err.Error()})
			return
		}
		s.writeServiceErr(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, acquireResp{Acquired: true, Lock: toLockView(h.Info())})
}

type extendReq struct {
	Requester  string `json:"requester"`
	ExtendByMS int64  `json:"extend_by_ms"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request, name string) {
	var req extendReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Requester == "" {
		writeErr(w, http.StatusBadRequest, "requester required")
		return
	}
	if req.ExtendByMS <= 0 || req.ExtendByMS > maxDurationMS {
		writeErr(w, http.StatusBadRequest, "extend_by_ms must be in (0, 600000]")
		return
	}

	info, err := s.svc.Extend(r.Context(), name, req.Requester, time.Duration(req.ExtendByMS)*time.Millisecond)
	if err != nil {
		s.writeServiceErr(w, r, err, &info)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lock": toLockView(info)})
}

type unlockReq struct {
	Requester string `json:"requester"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, name string) {
	var req unlockReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Requester == "" {
		writeErr(w, http.StatusBadRequest, "requester required")
		return
	}

	released, err := s.svc.Release(r.Context(), name, req.Requester)
	if err != nil {
		s.writeServiceErr(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released}) // idempotent
}

type forceUnlockReq struct {
	ClearRequests bool `json:"clear_requests"`
}

func (s *Server) handleForceUnlock(w http.ResponseWriter, r *http.Request, name string) {
	var req forceUnlockReq
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	wasHeld, err := s.svc.ForceUnlock(r.Context(), name, req.ClearRequests)
	if err != nil {
		s.writeServiceErr(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"was_held": wasHeld})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, name string) {
	info, err := s.svc.Get(r.Context(), name)
	if err != nil {
		s.writeServiceErr(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toLockView(info))
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request, name string) {
	reqs, err := s.svc.GetPendingRequests(r.Context(), name)
	if err != nil {
		s.writeServiceErr(w, r, err, nil)
		return
	}
	out := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toRequestView(req))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": out})
}

type queryResp struct {
	Locks     []lockView `json:"locks"`
	Total     int64      `json:"total"`
	PageCount int        `json:"page_count"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r.URL.Query())
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.Query(r.Context(), q)
	if err != nil {
		s.writeServiceErr(w, r, err, nil)
		return
	}
	out := queryResp{Locks: make([]lockView, 0, len(res.Locks)), Total: res.Total, PageCount: res.PageCount}
	for _, l := range res.Locks {
		out.Locks = append(out.Locks, toLockView(l))
	}
	writeJSON(w, http.StatusOK, out)
}

// parseQuery maps list parameters onto a model.Query. Without page_size the
// result is not paginated.
func parseQuery(v url.Values) (model.Query, error) {
	q := model.Query{
		Page: -1,
		Filter: model.LockFilter{
			ResourcePrefix: v.Get("resource_prefix"),
			LockedBy:       v.Get("locked_by"),
		},
	}
	switch v.Get("state") {
	case "":
	case "locked":
		q.Filter.State = model.StateLocked
	case "free":
		q.Filter.State = model.StateFree
	default:
		return q, errors.New("state must be locked or free")
	}

	sortBy, ok := model.ParseSortField(v.Get("sort"))
	if !ok {
		return q, errors.New("unknown sort field")
	}
	q.SortBy = sortBy
	q.Descending = v.Get("desc") == "true"

	if ps := v.Get("page_size"); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil || n <= 0 {
			return q, errors.New("page_size must be a positive integer")
		}
		q.PageSize = n
		q.Page = 0
		if p := v.Get("page"); p != "" {
			page, err := strconv.Atoi(p)
			if err != nil {
				return q, errors.New("page must be an integer")
			}
			q.Page = page
		}
	}
	return q, nil
}

// --- helpers ---

// statusFor maps engine errors onto HTTP statuses. Storage failures are 500
// except busy stores, which are retryable.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrStaleLock):
		return http.StatusConflict
	case errors.Is(err, model.ErrLockTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, model.ErrStoreBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceErr(w http.ResponseWriter, r *http.Request, err error, state *model.LockInfo) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(map[string]interface{}{
			"op":     "http",
			"path":   r.URL.Path,
			"req_id": RequestID(r.Context()),
			"status": status,
			"error":  err.Error(),
		})
	}
	if state != nil && state.Resource != "" {
		writeJSON(w, status, map[string]interface{}{"error": err.Error(), "lock": toLockView(*state)})
		return
	}
	writeErr(w, status, err.Error())
}

func unixMS(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
