package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
	Retention   time.Duration // rows older than this are pruned; 0 means 168h
}

const DefaultRetention = 7 * 24 * time.Hour

// TaskFailure is a task that exhausted its retries.
type TaskFailure struct {
	At       time.Time
	TaskID   string
	Name     string
	Priority int
	Attempts int
	Error    string
}

// ExpiredEntry is a pending interaction removed by the expiry sweep.
type ExpiredEntry struct {
	At        time.Time
	Key       string
	Kind      string
	ChatID    int64
	MessageID int
	Notified  bool
}
