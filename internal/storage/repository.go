package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/model"
)

// nowMS evaluates the store clock in unix milliseconds. SQLite keeps 'now'
// stable for the duration of a single statement.
const nowMS = `CAST(ROUND((julianday('now') - 2440587.5) * 86400000.0) AS INTEGER)`

// Repository implements model.Repository on top of sqlite.
type Repository struct {
	db *sql.DB
	q  queries
}

var _ model.Repository = (*Repository)(nil)

type queries struct {
	selectLock   string
	assign       string
	unlock       string
	extend       string
	insertReq    string
	listReqs     string
	requested    string
	pruneReqs    string
	clearExpired string
	deleteStale  string
	forceUnlock  string
	clearReqsFor string
	count        string
	locks        string
	requests     string
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB, q: buildQueries(db.schema)}
}

func buildQueries(s Schema) queries {
	l, r := s.LocksTable, s.RequestsTable
	noPending := fmt.Sprintf(`NOT EXISTS (SELECT 1 FROM %[2]s r WHERE r.resource = %[1]s.resource)`, l, r)
	return queries{
		locks:    l,
		requests: r,
		selectLock: fmt.Sprintf(`
SELECT l.resource, l.locked_by, l.locked_at_ms, l.last_lock_date_ms, l.expiry_date_ms,
  (SELECT COUNT(*) FROM %[2]s r WHERE r.resource = l.resource)
FROM %[1]s l WHERE l.resource = ?;`, l, r),
		assign: fmt.Sprintf(`
INSERT INTO %[1]s(resource, locked_by, locked_at_ms, last_lock_date_ms, expiry_date_ms)
VALUES(?1, ?2, %[2]s, %[2]s, CASE WHEN ?3 IS NULL THEN NULL ELSE %[2]s + ?3 END)
ON CONFLICT(resource) DO UPDATE SET
  locked_by = excluded.locked_by,
  locked_at_ms = excluded.locked_at_ms,
  last_lock_date_ms = excluded.last_lock_date_ms,
  expiry_date_ms = excluded.expiry_date_ms
WHERE %[1]s.locked_by IS NULL
   OR (%[1]s.expiry_date_ms IS NOT NULL AND %[1]s.expiry_date_ms <= %[2]s);`, l, nowMS),
		unlock: fmt.Sprintf(`
UPDATE %[1]s
SET locked_by = NULL,
    locked_at_ms = NULL,
    expiry_date_ms = NULL,
    last_lock_date_ms = %[2]s
WHERE resource = ? AND locked_by = ?;`, l, nowMS),
		extend: fmt.Sprintf(`
UPDATE %[1]s
SET expiry_date_ms = COALESCE(expiry_date_ms, %[2]s) + ?1
WHERE resource = ?2
  AND locked_by = ?3
  AND (expiry_date_ms IS NULL OR expiry_date_ms > %[2]s);`, l, nowMS),
		insertReq: fmt.Sprintf(`
INSERT INTO %[1]s(resource, requester, expiry_time_ms, keep_alive, timeout_ms, created_at_ms)
VALUES(?1, ?2, ?3, ?4, CASE WHEN ?5 IS NULL THEN NULL ELSE %[2]s + ?5 END, %[2]s)
RETURNING id, created_at_ms, timeout_ms;`, r, nowMS),
		listReqs: fmt.Sprintf(`
SELECT id, resource, requester, expiry_time_ms, keep_alive, timeout_ms, created_at_ms
FROM %s WHERE resource = ?
ORDER BY created_at_ms ASC, id ASC;`, r),
		requested: fmt.Sprintf(`
SELECT resource FROM %s GROUP BY resource ORDER BY MIN(created_at_ms) ASC;`, r),
		pruneReqs: fmt.Sprintf(`
DELETE FROM %s WHERE timeout_ms IS NOT NULL AND timeout_ms <= %s;`, r, nowMS),
		clearExpired: fmt.Sprintf(`
UPDATE %[1]s
SET locked_by = NULL,
    locked_at_ms = NULL,
    expiry_date_ms = NULL
WHERE locked_by IS NOT NULL
  AND expiry_date_ms IS NOT NULL
  AND expiry_date_ms <= %[2]s
  AND %[3]s;`, l, nowMS, noPending),
		deleteStale: fmt.Sprintf(`
DELETE FROM %[1]s
WHERE locked_by IS NULL
  AND (last_lock_date_ms IS NULL OR last_lock_date_ms <= %[2]s - ?)
  AND %[3]s;`, l, nowMS, noPending),
		forceUnlock: fmt.Sprintf(`
UPDATE %s
SET locked_by = NULL,
    locked_at_ms = NULL,
    expiry_date_ms = NULL
WHERE resource = ? AND locked_by IS NOT NULL;`, l),
		clearReqsFor: fmt.Sprintf(`DELETE FROM %s WHERE resource = ?;`, r),
		count:        fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, l),
	}
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusy(err) {
		return fmt.Errorf("storage %s: %w: %w", op, model.ErrStoreBusy, err)
	}
	return fmt.Errorf("storage %s: %w", op, err)
}

func (r *Repository) Begin(ctx context.Context) (model.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("begin", err)
	}
	return &sqlTx{tx: tx, q: &r.q}, nil
}

func (r *Repository) Get(ctx context.Context, resource string) (*model.LockInfo, error) {
	info, err := scanLock(r.db.QueryRowContext(ctx, r.q.selectLock, resource))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get", err)
	}
	return &info, nil
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, r.q.count).Scan(&n); err != nil {
		return 0, wrapErr("count", err)
	}
	return n, nil
}

var sortColumns = map[model.SortField]string{
	model.SortByResource:     "l.resource",
	model.SortByLockedBy:     "l.locked_by",
	model.SortByLockedAt:     "l.locked_at_ms",
	model.SortByLastLockDate: "l.last_lock_date_ms",
	model.SortByExpiryDate:   "l.expiry_date_ms",
}

func (r *Repository) Search(ctx context.Context, q model.Query) ([]model.LockInfo, int64, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Filter.ResourcePrefix != "" {
		where = append(where, `l.resource LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(q.Filter.ResourcePrefix)+"%")
	}
	if q.Filter.LockedBy != "" {
		where = append(where, `l.locked_by = ?`)
		args = append(args, q.Filter.LockedBy)
	}
	held := fmt.Sprintf(`(l.locked_by IS NOT NULL AND (l.expiry_date_ms IS NULL OR l.expiry_date_ms > %s))`, nowMS)
	switch q.Filter.State {
	case model.StateLocked:
		where = append(where, held)
	case model.StateFree:
		where = append(where, "NOT "+held)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s l%s;`, r.q.locks, cond), args...).Scan(&total); err != nil {
		return nil, 0, wrapErr("search count", err)
	}

	col, ok := sortColumns[q.SortBy]
	if !ok {
		col = sortColumns[model.SortByResource]
	}
	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	stmt := fmt.Sprintf(`
SELECT l.resource, l.locked_by, l.locked_at_ms, l.last_lock_date_ms, l.expiry_date_ms,
  (SELECT COUNT(*) FROM %s r WHERE r.resource = l.resource)
FROM %s l%s
ORDER BY %s %s, l.resource %s`, r.q.requests, r.q.locks, cond, col, dir, dir)
	if q.Paginated() {
		stmt += ` LIMIT ? OFFSET ?`
		args = append(args, q.PageSize, q.Page*q.PageSize)
	}

	rows, err := r.db.QueryContext(ctx, stmt+";", args...)
	if err != nil {
		return nil, 0, wrapErr("search", err)
	}
	defer rows.Close()

	var out []model.LockInfo
	for rows.Next() {
		info, err := scanLock(rows)
		if err != nil {
			return nil, 0, wrapErr("search scan", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapErr("search", err)
	}
	return out, total, nil
}

func (r *Repository) ListRequests(ctx context.Context, resource string) ([]model.LockRequest, error) {
	rows, err := r.db.QueryContext(ctx, r.q.listReqs, resource)
	if err != nil {
		return nil, wrapErr("list requests", err)
	}
	defer rows.Close()

	out := []model.LockRequest{}
	for rows.Next() {
		var (
			req       model.LockRequest
			expiry    sql.NullInt64
			keepAlive int64
			timeout   sql.NullInt64
			created   int64
		)
		if err := rows.Scan(&req.ID, &req.Resource, &req.Requester, &expiry, &keepAlive, &timeout, &created); err != nil {
			return nil, wrapErr("list requests scan", err)
		}
		req.ExpiryTime = durationPtr(expiry)
		req.KeepAlive = keepAlive != 0
		req.Timeout = timePtr(timeout)
		req.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list requests", err)
	}
	return out, nil
}

func (r *Repository) ListRequestedResources(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.q.requested)
	if err != nil {
		return nil, wrapErr("list requested", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return nil, wrapErr("list requested scan", err)
		}
		out = append(out, res)
	}
	return out, wrapErr("list requested", rows.Err())
}

func (r *Repository) ResolveDeletedRequestIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE id IN (%s);`, r.q.requests, in), args...)
	if err != nil {
		return nil, wrapErr("resolve deleted", err)
	}
	defer rows.Close()

	present := make(map[int64]struct{}, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("resolve deleted scan", err)
		}
		present[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("resolve deleted", err)
	}

	var gone []int64
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			gone = append(gone, id)
		}
	}
	return gone, nil
}

func (r *Repository) Now(ctx context.Context) (time.Time, error) {
	var ms int64
	if err := r.db.QueryRowContext(ctx, `SELECT `+nowMS+`;`).Scan(&ms); err != nil {
		return time.Time{}, wrapErr("now", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

type sqlTx struct {
	tx *sql.Tx
	q  *queries
}

// readBack returns the row for resource, or a free state when none exists.
func (t *sqlTx) readBack(ctx context.Context, resource string) (model.LockInfo, error) {
	info, err := scanLock(t.tx.QueryRowContext(ctx, t.q.selectLock, resource))
	if errors.Is(err, sql.ErrNoRows) {
		return model.LockInfo{Resource: resource}, nil
	}
	return info, err
}

func (t *sqlTx) TryAssignLock(ctx context.Context, resource, requester string, expiry *time.Duration) (model.LockInfo, error) {
	if _, err := t.tx.ExecContext(ctx, t.q.assign, resource, requester, msArg(expiry)); err != nil {
		return model.LockInfo{}, wrapErr("assign", err)
	}
	info, err := t.readBack(ctx, resource)
	return info, wrapErr("assign read", err)
}

func (t *sqlTx) TryUnlock(ctx context.Context, resource, requester string) (model.LockInfo, error) {
	if _, err := t.tx.ExecContext(ctx, t.q.unlock, resource, requester); err != nil {
		return model.LockInfo{}, wrapErr("unlock", err)
	}
	info, err := t.readBack(ctx, resource)
	return info, wrapErr("unlock read", err)
}

func (t *sqlTx) TryExtendExpiry(ctx context.Context, resource, requester string, d time.Duration) (model.LockInfo, error) {
	if _, err := t.tx.ExecContext(ctx, t.q.extend, d.Milliseconds(), resource, requester); err != nil {
		return model.LockInfo{}, wrapErr("extend", err)
	}
	info, err := t.readBack(ctx, resource)
	return info, wrapErr("extend read", err)
}

func (t *sqlTx) CreateRequest(ctx context.Context, req model.NewLockRequest) (model.LockRequest, error) {
	keepAlive := 0
	if req.KeepAlive {
		keepAlive = 1
	}
	var (
		id      int64
		created int64
		timeout sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx, t.q.insertReq,
		req.Resource, req.Requester, msArg(req.ExpiryTime), keepAlive, msArg(req.Timeout),
	).Scan(&id, &created, &timeout)
	if err != nil {
		return model.LockRequest{}, wrapErr("create request", err)
	}
	return model.LockRequest{
		ID:         id,
		Resource:   req.Resource,
		Requester:  req.Requester,
		ExpiryTime: req.ExpiryTime,
		KeepAlive:  req.KeepAlive,
		Timeout:    timePtr(timeout),
		CreatedAt:  time.UnixMilli(created).UTC(),
	}, nil
}

func (t *sqlTx) DeleteRequests(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	in, args := inClause(ids)
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s);`, t.q.requests, in), args...)
	if err != nil {
		return 0, wrapErr("delete requests", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (t *sqlTx) PruneTimedOutRequests(ctx context.Context) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.q.pruneReqs)
	if err != nil {
		return 0, wrapErr("prune requests", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (t *sqlTx) ReclaimInactive(ctx context.Context, threshold *time.Duration) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.q.clearExpired)
	if err != nil {
		return 0, wrapErr("reclaim expired", err)
	}
	n, _ := res.RowsAffected()
	if threshold == nil {
		return n, nil
	}

	res, err = t.tx.ExecContext(ctx, t.q.deleteStale, threshold.Milliseconds())
	if err != nil {
		return 0, wrapErr("reclaim inactive", err)
	}
	deleted, _ := res.RowsAffected()
	return n + deleted, nil
}

func (t *sqlTx) ForceUnlock(ctx context.Context, resource string, alsoClearRequests bool) (bool, error) {
	res, err := t.tx.ExecContext(ctx, t.q.forceUnlock, resource)
	if err != nil {
		return false, wrapErr("force unlock", err)
	}
	n, _ := res.RowsAffected()
	if alsoClearRequests {
		if _, err := t.tx.ExecContext(ctx, t.q.clearReqsFor, resource); err != nil {
			return false, wrapErr("force unlock requests", err)
		}
	}
	return n > 0, nil
}

func (t *sqlTx) ClearAll(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s;`, t.q.requests)); err != nil {
		return wrapErr("clear requests", err)
	}
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s;`, t.q.locks)); err != nil {
		return wrapErr("clear locks", err)
	}
	return nil
}

func (t *sqlTx) Commit() error {
	return wrapErr("commit", t.tx.Commit())
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return wrapErr("rollback", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLock(row rowScanner) (model.LockInfo, error) {
	var (
		info     model.LockInfo
		lockedBy sql.NullString
		lockedAt sql.NullInt64
		lastLock sql.NullInt64
		expiry   sql.NullInt64
		pending  int64
	)
	if err := row.Scan(&info.Resource, &lockedBy, &lockedAt, &lastLock, &expiry, &pending); err != nil {
		return model.LockInfo{}, err
	}
	if lockedBy.Valid {
		s := lockedBy.String
		info.LockedBy = &s
	}
	info.LockedAt = timePtr(lockedAt)
	info.LastLockDate = timePtr(lastLock)
	info.ExpiryDate = timePtr(expiry)
	info.PendingRequests = int(pending)
	return info, nil
}

func msArg(d *time.Duration) interface{} {
	if d == nil {
		return nil
	}
	return d.Milliseconds()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func durationPtr(v sql.NullInt64) *time.Duration {
	if !v.Valid {
		return nil
	}
	d := time.Duration(v.Int64) * time.Millisecond
	return &d
}

func inClause(ids []int64) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = "?"
	}
	return strings.Join(marks, ","), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
