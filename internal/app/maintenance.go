package app

import (
	"context"
	"sync"
	"time"

	"guardbot/internal/eventbus"
	"guardbot/internal/flight"
	"guardbot/internal/storage"
	"guardbot/internal/task/batch"
	"guardbot/internal/task/queue"
	"guardbot/internal/task/scheduler"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

const (
	taskFlightCleanup = "flight.cleanup"
	taskStoragePrune  = "storage.prune"

	expiredCategory = "messages"
	expiredSuffix   = "\n\n⌛ This request has expired."
)

type expiredPrompt struct {
	key string
	p   Pending
}

// maintenance owns the periodic housekeeping tasks.
type maintenance struct {
	log     logx.Logger
	q       *queue.Queue
	adapter transport.Adapter
	pending *flight.Store[Pending]
	batch   *batch.Executor
	bus     eventbus.Bus
	store   storage.Store // nil when storage is disabled

	mu        sync.Mutex
	expired   []expiredPrompt
	retention time.Duration
	now       func() time.Time
}

// collectExpired is the flight expiry hook. It only records the entry; the
// messages are edited afterwards in rate-limited batches.
func (m *maintenance) collectExpired(_ context.Context, key string, p Pending) error {
	m.mu.Lock()
	m.expired = append(m.expired, expiredPrompt{key: key, p: p})
	m.mu.Unlock()
	return nil
}

func (m *maintenance) drainExpired() []expiredPrompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.expired
	m.expired = nil
	return out
}

func (m *maintenance) setRetention(d time.Duration) {
	m.mu.Lock()
	m.retention = d
	m.mu.Unlock()
}

// register (re)installs the housekeeping tasks. An empty pruneSchedule skips
// the storage task.
func (m *maintenance) register(s *scheduler.Service, cleanupEvery time.Duration, pruneSchedule string) error {
	s.CancelTask(taskFlightCleanup)
	s.CancelTask(taskStoragePrune)

	if err := s.AddTask(scheduler.Task{
		ID:       taskFlightCleanup,
		Interval: cleanupEvery,
		Overlap:  scheduler.OverlapSkipIfRunning,
		Run:      m.cleanupFlight,
	}); err != nil {
		return err
	}
	if m.store == nil || pruneSchedule == "" {
		return nil
	}
	return s.AddSchedule(taskStoragePrune, pruneSchedule, m.pruneStorage)
}

func (m *maintenance) cleanupFlight(ctx context.Context) error {
	removed := m.pending.CleanupExpired(ctx)
	items := m.drainExpired()
	if removed == 0 && len(items) == 0 {
		return nil
	}

	notified, err := batch.Process(ctx, m.batch, items, m.notifyExpired, batch.WithCategory(expiredCategory))
	if err != nil {
		return err
	}
	var ok int
	for _, n := range notified {
		if n {
			ok++
		}
	}
	m.log.Info("expired prompts cleaned", logx.Int("removed", removed), logx.Int("notified", ok))
	return nil
}

// notifyExpired edits the prompt so its buttons disappear. A failed edit is
// logged and recorded, never fatal for the sweep.
func (m *maintenance) notifyExpired(ctx context.Context, it expiredPrompt) (bool, error) {
	_, err := m.q.Submit(func(c context.Context) (any, error) {
		return nil, m.adapter.EditText(c, it.p.Ref, it.p.Text+expiredSuffix, nil)
	}, PriorityNotify, queue.Named("prompt.expired")).Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		m.log.Warn("expired prompt edit failed", logx.String("key", it.key), logx.Err(err))
	}

	m.bus.Publish(eventbus.Event{Type: eventbus.FlightExpired, Data: storage.ExpiredEntry{
		At:        m.now(),
		Key:       it.key,
		Kind:      it.p.Kind,
		ChatID:    it.p.Ref.ChatID,
		MessageID: it.p.Ref.MessageID,
		Notified:  err == nil,
	}})
	return err == nil, nil
}

func (m *maintenance) pruneStorage(ctx context.Context) error {
	m.mu.Lock()
	retention := m.retention
	m.mu.Unlock()

	cutoff := m.now().Add(-retention)
	n, err := m.store.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	m.log.Info("storage pruned", logx.Int64("rows", n), logx.Time("cutoff", cutoff))
	return nil
}
