package lockclient

import "fmt"

type NotAcquiredError struct {
	Resource        string
	CurrentHolder   string
	CurrentExpiryMS int64
}

func (e *NotAcquiredError) Error() string {
	return fmt.Sprintf("lock not acquired: lock=%s current_holder=%s", e.Resource, e.CurrentHolder)
}

// TimeoutError is returned when a server-side Lock wait ran out.
type TimeoutError struct {
	Resource      string
	Requester     string
	CurrentHolder string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: lock=%s requester=%s current_holder=%s", e.Resource, e.Requester, e.CurrentHolder)
}

// StaleLockError means the lease is no longer owned by the requester.
type StaleLockError struct {
	Resource      string
	Requester     string
	CurrentHolder string
}

func (e *StaleLockError) Error() string {
	return fmt.Sprintf("stale lock: lock=%s requester=%s current_holder=%s", e.Resource, e.Requester, e.CurrentHolder)
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
