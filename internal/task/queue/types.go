package queue

import (
	"context"
	"time"
)

const (
	defaultConcurrency = 5
	defaultMaxRetries  = 3
	defaultSettleDelay = 100 * time.Millisecond

	cleanupPollInterval = 50 * time.Millisecond
)

// Config controls the priority task queue.
//
// Zero values select defaults:
//   - Concurrency: 5
//   - MaxRetries: 3 (negative means no retries)
//   - SettleDelay: 100ms (negative disables the pause after each task)
//   - RatePerSec: 0 disables the outbound limiter
//   - DefaultTimeout: 0 disables the per-attempt timeout
type Config struct {
	Concurrency    int
	MaxRetries     int
	SettleDelay    time.Duration
	RatePerSec     float64
	Burst          int
	DefaultTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	switch {
	case c.SettleDelay == 0:
		c.SettleDelay = defaultSettleDelay
	case c.SettleDelay < 0:
		c.SettleDelay = 0
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// Work is one unit of outbound work. It receives the queue context, bounded
// by DefaultTimeout when configured.
type Work func(ctx context.Context) (any, error)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`

	QueueLength       int  `json:"queue_length"`
	CurrentProcessing int  `json:"current_processing"`
	Concurrency       int  `json:"concurrency"`
	Paused            bool `json:"paused"`
	Closed            bool `json:"closed"`
}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Priority int    `json:"priority"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

type task struct {
	id       string
	name     string
	work     Work
	priority int
	retries  int
	seq      uint64
	fut      *Future
}

// SubmitOption annotates a submission.
type SubmitOption func(t *task)

// Named labels the task in logs and events.
func Named(name string) SubmitOption {
	return func(t *task) { t.name = name }
}
