package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"guardbot/internal/task/queue"
	logx "guardbot/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Timezone string // IANA TZ for cron expressions, e.g. "Europe/Berlin"
}

// OverlapPolicy decides what happens when a firing comes due while the
// previous firing of the same task is still running.
type OverlapPolicy int

const (
	// OverlapAllow starts the new firing anyway; the fixed-period timer
	// never waits for the previous body.
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning drops a firing while the previous one is in
	// flight.
	OverlapSkipIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case OverlapSkipIfRunning:
		return "skip_if_running"
	default:
		return "allow"
	}
}

// Func is a task body. ctx is cancelled when the scheduler stops.
type Func func(ctx context.Context) error

// Task describes one recurring job.
//
// Exactly one of Interval and Spec selects the cadence. A StartAt in the
// future fires once at StartAt and anchors the interval grid there;
// otherwise the first periodic firing is one Interval after registration.
// RunImmediately (ignored when StartAt is in the future) adds one extra run
// at registration.
type Task struct {
	ID             string
	Interval       time.Duration
	Spec           string
	Run            Func
	StartAt        time.Time
	RunImmediately bool
	Overlap        OverlapPolicy
	Timeout        time.Duration

	// Queued submits the body into the task queue at Priority instead of
	// running it on the scheduler goroutine.
	Queued   bool
	Priority int
}

// Submitter is the slice of the task queue the scheduler needs.
type Submitter interface {
	Submit(work queue.Work, priority int, opts ...queue.SubmitOption) *queue.Future
}

type runState struct {
	runs     atomic.Uint64
	failures atomic.Uint64
	running  atomic.Int32

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

type taskDef struct {
	Task
	every   time.Duration // resolved interval; zero for cron expressions
	cronExp string

	entryID cron.EntryID
	state   *runState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	q   Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*taskDef
	order  []string

	// retired holds the Done contexts of crons replaced by a timezone
	// change whose bodies may still be running. Stop waits on them.
	retired []context.Context

	runCtx context.Context
	cancel context.CancelFunc

	now func() time.Time
}

type TaskInfo struct {
	ID           string        `json:"id"`
	Schedule     string        `json:"schedule"`
	Overlap      string        `json:"overlap"`
	Queued       bool          `json:"queued"`
	Next         time.Time     `json:"next,omitempty"`
	Prev         time.Time     `json:"prev,omitempty"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Running      int           `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Started  bool       `json:"started"`
	Timezone string     `json:"timezone"`
	Tasks    []TaskInfo `json:"tasks"`
}
