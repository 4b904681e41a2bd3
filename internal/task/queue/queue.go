package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"guardbot/internal/eventbus"
	logx "guardbot/pkg/logx"
)

// Queue is a bounded-concurrency, priority-ordered work queue.
//
// Tasks run in waves: the dispatcher takes up to the free slots from the
// head of the queue, starts them together and waits for the whole wave to
// settle before computing the next one. A slot freed early in a wave is not
// refilled until the wave ends.
//
// Higher priorities always go first; a steady stream of high-priority work
// can starve lower priorities indefinitely.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	pending []*task
	seq     uint64
	running int
	waveCap int // cap the running wave was sized under
	paused  bool
	closed  bool

	processed uint64
	failed    uint64
	retried   uint64

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		limiter: newLimiter(cfg),
		wake:    make(chan struct{}, 1),
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RatePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Start launches the dispatcher. Work contexts are detached from ctx
// cancellation; Cleanup decides when running work is cancelled.
// Start is idempotent.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.done != nil || q.closed {
		q.mu.Unlock()
		return
	}
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.done = make(chan struct{})
	runCtx, done := q.ctx, q.done
	cfg := q.cfg
	q.mu.Unlock()

	go q.loop(runCtx, done)
	q.signal()
	q.log.Info("task queue started", logx.Int("concurrency", cfg.Concurrency), logx.Int("max_retries", cfg.MaxRetries), logx.Duration("settle_delay", cfg.SettleDelay))
}

// Apply swaps the configuration at runtime. A new concurrency cap takes
// effect at the next wave; until the running wave drains Stats keeps
// reporting the cap it was sized under.
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	prev := q.cfg
	q.cfg = cfg
	if prev.RatePerSec != cfg.RatePerSec || prev.Burst != cfg.Burst {
		q.limiter = newLimiter(cfg)
	}
	q.mu.Unlock()
	q.signal()
}

// Submit enqueues work. Higher priority values are dequeued first; equal
// priorities keep submission order.
func (q *Queue) Submit(work Work, priority int, opts ...SubmitOption) *Future {
	if work == nil {
		return rejected(errors.New("task work is nil"))
	}
	t := &task{id: uuid.NewString(), work: work, priority: priority, fut: newFuture()}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		t.fut.settle(nil, ErrQueueUnavailable)
		return t.fut
	}
	q.seq++
	t.seq = q.seq
	q.pending = append(q.pending, t)
	q.mu.Unlock()

	q.signal()
	return t.fut
}

// Pause stops new waves from starting. Tasks already running finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	changed := !q.paused
	q.paused = true
	q.mu.Unlock()
	if changed {
		q.log.Info("task queue paused")
	}
}

// Resume lets the dispatcher start waves again.
func (q *Queue) Resume() {
	q.mu.Lock()
	changed := q.paused && !q.closed
	if !q.closed {
		q.paused = false
	}
	q.mu.Unlock()
	if changed {
		q.log.Info("task queue resumed")
	}
	q.signal()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	conc := q.cfg.Concurrency
	if q.running > 0 {
		conc = max(conc, q.waveCap)
	}
	return Stats{
		Processed:         q.processed,
		Failed:            q.failed,
		Retried:           q.retried,
		QueueLength:       len(q.pending),
		CurrentProcessing: q.running,
		Concurrency:       conc,
		Paused:            q.paused,
		Closed:            q.closed,
	}
}

// Cleanup pauses the queue, waits for running tasks to drain, rejects every
// queued task with ErrShuttingDown and releases the dispatcher. Later
// submissions are rejected with ErrQueueUnavailable.
//
// If ctx expires before running tasks drain, queued tasks are still rejected
// and the ctx error is returned; the stragglers keep running until their own
// context is cancelled.
func (q *Queue) Cleanup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	q.Pause()

	var waitErr error
	ticker := time.NewTicker(cleanupPollInterval)
	defer ticker.Stop()
	for q.runningCount() > 0 {
		select {
		case <-ctx.Done():
			waitErr = ctx.Err()
		case <-ticker.C:
			continue
		}
		break
	}

	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.closed = true
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()

	for _, t := range pending {
		t.fut.settle(nil, ErrShuttingDown)
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	q.log.Info("task queue cleaned up", logx.Int("rejected", len(pending)), logx.Duration("took", time.Since(start)), logx.Any("err", waitErr))
	return waitErr
}

func (q *Queue) runningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
		for ctx.Err() == nil {
			wave := q.nextWave()
			if len(wave) == 0 {
				break
			}
			q.runWave(ctx, wave)
		}
	}
}

// nextWave splices the highest-priority tasks into a new wave and reserves
// their slots. It returns nil while paused, closed or saturated.
func (q *Queue) nextWave() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.closed || len(q.pending) == 0 {
		return nil
	}
	slots := q.cfg.Concurrency - q.running
	if slots <= 0 {
		return nil
	}
	sort.Slice(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.seq < b.seq
	})
	n := min(slots, len(q.pending))
	wave := make([]*task, n)
	copy(wave, q.pending[:n])
	q.pending = append([]*task(nil), q.pending[n:]...)
	q.running += n
	q.waveCap = q.cfg.Concurrency
	return wave
}

func (q *Queue) runWave(ctx context.Context, wave []*task) {
	var wg sync.WaitGroup
	wg.Add(len(wave))
	for _, t := range wave {
		go func(t *task) {
			defer wg.Done()
			q.runTask(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (q *Queue) runTask(ctx context.Context, t *task) {
	q.mu.Lock()
	cfg := q.cfg
	lim := q.limiter
	q.mu.Unlock()

	v, err := q.attempt(ctx, t, cfg, lim)
	q.settle(t, cfg, v, err)

	if cfg.SettleDelay > 0 {
		tmr := time.NewTimer(cfg.SettleDelay)
		select {
		case <-tmr.C:
		case <-ctx.Done():
			tmr.Stop()
		}
	}

	q.mu.Lock()
	q.running--
	q.mu.Unlock()
}

func (q *Queue) attempt(ctx context.Context, t *task, cfg Config, lim *rate.Limiter) (v any, err error) {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}
	runCtx := ctx
	if cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.DefaultTimeout)
		defer cancel()
	}
	// A panicking task must not take the dispatcher down with it.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			q.log.Error("task.panic", logx.String("task", t.label()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.work(runCtx)
}

func (q *Queue) settle(t *task, cfg Config, v any, err error) {
	if err == nil {
		q.mu.Lock()
		q.processed++
		q.mu.Unlock()
		t.fut.settle(v, nil)
		q.publish(eventbus.TaskCompleted, t, nil)
		return
	}

	if !IsNoRetry(err) && t.retries < cfg.MaxRetries {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			t.fut.settle(nil, ErrShuttingDown)
			return
		}
		t.retries++
		q.seq++
		t.seq = q.seq
		q.pending = append(q.pending, t)
		q.retried++
		q.mu.Unlock()
		q.log.Debug("task.retry", logx.String("task", t.label()), logx.Int("priority", t.priority), logx.Int("retry", t.retries), logx.Err(err))
		q.publish(eventbus.TaskRetried, t, err)
		return
	}

	q.mu.Lock()
	q.failed++
	q.mu.Unlock()
	final := &PermanentError{Attempts: t.retries + 1, Err: unwrapNoRetry(err)}
	t.fut.settle(nil, final)
	q.log.Warn("task.failed", logx.String("task", t.label()), logx.Int("priority", t.priority), logx.Int("attempts", final.Attempts), logx.Err(final.Err))
	q.publish(eventbus.TaskFailed, t, final.Err)
}

func (q *Queue) publish(typ string, t *task, err error) {
	if q.bus == nil {
		return
	}
	ev := TaskEvent{ID: t.id, Name: t.name, Priority: t.priority, Attempts: t.retries + 1}
	if err != nil {
		ev.Error = err.Error()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (t *task) label() string {
	if t.name != "" {
		return t.name
	}
	return t.id
}
