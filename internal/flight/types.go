// Package flight keeps short-lived payloads for pending platform
// interactions (button prompts, confirmations) and guards each one with a
// single-flight lock so the same event is never handled twice concurrently.
package flight

import (
	"context"
	"time"
)

const (
	defaultPayloadTTL = 30 * time.Minute
	defaultLockTTL    = 5 * time.Minute
)

// Config sets the two independent deadlines of an entry. LockTTL is kept
// strictly below PayloadTTL.
type Config struct {
	PayloadTTL time.Duration
	LockTTL    time.Duration
}

// ExpiryHook is told about entries removed at their payload deadline, by
// the deferred timer or by CleanupExpired. Errors are logged and otherwise
// ignored. Entries dropped lazily on read are not reported.
type ExpiryHook[T any] func(ctx context.Context, key string, payload T) error

type Option[T any] func(*Store[T])

func WithExpiryHook[T any](fn ExpiryHook[T]) Option[T] {
	return func(s *Store[T]) { s.onExpire = fn }
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Entries int `json:"entries"`
	Locked  int `json:"locked"`
}

type lockInfo struct {
	holder    string
	lockedAt  time.Time
	expiresAt time.Time
	gen       uint64
}

// entry owns its lock, so a lock can only exist while the payload does.
type entry[T any] struct {
	payload   T
	createdAt time.Time
	expiresAt time.Time
	gen       uint64
	lock      *lockInfo
}

func (e *entry[T]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (e *entry[T]) locked(now time.Time) bool {
	return e.lock != nil && now.Before(e.lock.expiresAt)
}
