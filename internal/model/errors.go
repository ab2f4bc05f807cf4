package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLockTimeout     = errors.New("lock timeout")
	ErrStaleLock       = errors.New("stale lock")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStoreBusy marks storage failures caused by write contention inside
	// the store itself. They are storage failures, never lock contention.
	ErrStoreBusy = errors.New("store busy")
)

// TimeoutError is returned by Lock when the wait budget is exhausted.
type TimeoutError struct {
	Resource  string
	Requester string
	Timeout   time.Duration
	State     LockInfo // last observed
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: lock=%s requester=%s timeout=%s holder=%s",
		e.Resource, e.Requester, e.Timeout, e.State.Holder())
}

func (e *TimeoutError) Is(target error) bool { return target == ErrLockTimeout }

// StaleLockError reports that the caller no longer owns a lease it acquired.
type StaleLockError struct {
	Resource  string
	Requester string
	State     LockInfo
}

func (e *StaleLockError) Error() string {
	return fmt.Sprintf("stale lock: lock=%s requester=%s holder=%s",
		e.Resource, e.Requester, e.State.Holder())
}

func (e *StaleLockError) Is(target error) bool { return target == ErrStaleLock }

func invalidArg(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, msg)
}
