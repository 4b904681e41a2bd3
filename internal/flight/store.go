package flight

import (
	"context"
	"sync"
	"time"

	logx "guardbot/pkg/logx"
)

// Store maps keys to payloads with an optional lock.
//
// Both deadlines are enforced twice: by a deferred timer and lazily on every
// read. The two paths compare against the same stored deadline, and timers
// carry the generation they were armed for so a late timer never removes a
// newer entry or lock.
type Store[T any] struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	entries map[string]*entry[T]
	gen     uint64

	onExpire ExpiryHook[T]

	now       func() time.Time
	afterFunc func(d time.Duration, fn func()) *time.Timer

	// Deferred removals, one map per kind so keys never collide.
	payloadTimers map[string]*time.Timer
	lockTimers    map[string]*time.Timer
}

func NewStore[T any](cfg Config, log logx.Logger, opts ...Option[T]) *Store[T] {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store[T]{
		log:       log,
		entries:   map[string]*entry[T]{},
		now:       time.Now,
		afterFunc: time.AfterFunc,

		payloadTimers: map[string]*time.Timer{},
		lockTimers:    map[string]*time.Timer{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.cfg = s.normalize(cfg)
	return s
}

func (s *Store[T]) normalize(cfg Config) Config {
	if cfg.PayloadTTL <= 0 {
		cfg.PayloadTTL = defaultPayloadTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.LockTTL >= cfg.PayloadTTL {
		clamped := cfg.PayloadTTL / 2
		s.log.Warn("flight lock ttl clamped", logx.Duration("lock_ttl", cfg.LockTTL), logx.Duration("payload_ttl", cfg.PayloadTTL), logx.Duration("clamped", clamped))
		cfg.LockTTL = clamped
	}
	return cfg
}

// Apply changes the TTLs used for entries added or locked from now on.
func (s *Store[T]) Apply(cfg Config) {
	cfg = s.normalize(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Add stores payload under key, replacing any previous entry and its lock.
func (s *Store[T]) Add(key string, payload T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.gen++
	e := &entry[T]{
		payload:   payload,
		createdAt: now,
		expiresAt: now.Add(s.cfg.PayloadTTL),
		gen:       s.gen,
	}
	s.entries[key] = e
	s.armLocked(s.payloadTimers, key, s.cfg.PayloadTTL, func() { s.expireEntry(key, e.gen) })
}

// Get returns the payload if present and not past its deadline.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		var zero T
		return zero, false
	}
	return e.payload, true
}

// GetAndLock takes the lock for holder and returns the payload. It returns
// false when the payload is missing or expired, or when another unexpired
// lock is held; IsLocked tells the two apart.
func (s *Store[T]) GetAndLock(key, holder string) (T, bool) {
	var zero T
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return zero, false
	}
	now := s.now()
	if e.locked(now) {
		return zero, false
	}
	s.gen++
	li := &lockInfo{holder: holder, lockedAt: now, expiresAt: now.Add(s.cfg.LockTTL), gen: s.gen}
	e.lock = li
	s.armLocked(s.lockTimers, key, s.cfg.LockTTL, func() { s.expireLock(key, li.gen) })
	return e.payload, true
}

// Unlock releases the lock and keeps the payload so the interaction can be
// retried.
func (s *Store[T]) Unlock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.lock = nil
	}
	s.stopLocked(s.lockTimers, key)
}

func (s *Store[T]) IsLocked(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	return ok && e.locked(s.now())
}

// Holder reports who holds the lock on key.
func (s *Store[T]) Holder(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok || !e.locked(s.now()) {
		return "", false
	}
	return e.lock.holder, true
}

// Delete removes payload and lock together.
func (s *Store[T]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store[T]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st := Stats{Entries: len(s.entries)}
	for _, e := range s.entries {
		if e.locked(now) {
			st.Locked++
		}
	}
	return st
}

// CleanupExpired removes every entry past its payload deadline and returns
// how many were removed. The expiry hook runs outside the lock; its errors
// never fail the sweep.
func (s *Store[T]) CleanupExpired(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}
	type expired struct {
		key     string
		payload T
	}

	s.mu.Lock()
	now := s.now()
	var gone []expired
	for k, e := range s.entries {
		if e.expired(now) {
			gone = append(gone, expired{key: k, payload: e.payload})
			s.removeLocked(k)
		}
	}
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		for _, g := range gone {
			if err := s.notify(ctx, hook, g.key, g.payload); err != nil {
				s.log.Warn("flight expiry hook failed", logx.String("key", g.key), logx.Err(err))
			}
		}
	}
	if len(gone) > 0 {
		s.log.Debug("flight cleanup", logx.Int("removed", len(gone)))
	}
	return len(gone)
}

func (s *Store[T]) notify(ctx context.Context, hook ExpiryHook[T], key string, payload T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("flight expiry hook panic", logx.String("key", key), logx.Any("panic", r))
		}
	}()
	return hook(ctx, key, payload)
}

// Close stops all pending timers. Entries stay readable until their lazy
// deadline.
func (s *Store[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range []map[string]*time.Timer{s.payloadTimers, s.lockTimers} {
		for k, t := range m {
			t.Stop()
			delete(m, k)
		}
	}
}

// liveLocked drops an entry past its deadline and clears a lapsed lock.
func (s *Store[T]) liveLocked(key string) (*entry[T], bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	now := s.now()
	if e.expired(now) {
		s.removeLocked(key)
		return nil, false
	}
	if e.lock != nil && !e.locked(now) {
		e.lock = nil
		s.stopLocked(s.lockTimers, key)
	}
	return e, true
}

func (s *Store[T]) removeLocked(key string) {
	delete(s.entries, key)
	s.stopLocked(s.payloadTimers, key)
	s.stopLocked(s.lockTimers, key)
}

// expireEntry is the deferred removal. It tells the expiry hook too, so a
// prompt is reported whichever path removes it first; CleanupExpired only
// counts what it removed itself.
func (s *Store[T]) expireEntry(key string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.gen != gen || !e.expired(s.now()) {
		// Replaced, or fired early relative to the stored deadline; the lazy
		// path or the next sweep handles it.
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	delete(s.payloadTimers, key)
	s.stopLocked(s.lockTimers, key)
	hook := s.onExpire
	s.mu.Unlock()

	if hook != nil {
		if err := s.notify(context.Background(), hook, key, e.payload); err != nil {
			s.log.Warn("flight expiry hook failed", logx.String("key", key), logx.Err(err))
		}
	}
}

func (s *Store[T]) expireLock(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.lock == nil || e.lock.gen != gen {
		return
	}
	if e.locked(s.now()) {
		return
	}
	s.log.Warn("flight lock expired without unlock", logx.String("key", key), logx.String("holder", e.lock.holder), logx.Duration("held", s.now().Sub(e.lock.lockedAt)))
	e.lock = nil
	delete(s.lockTimers, key)
}

func (s *Store[T]) armLocked(timers map[string]*time.Timer, key string, d time.Duration, fn func()) {
	s.stopLocked(timers, key)
	timers[key] = s.afterFunc(d, fn)
}

func (s *Store[T]) stopLocked(timers map[string]*time.Timer, key string) {
	if t, ok := timers[key]; ok {
		t.Stop()
		delete(timers, key)
	}
}
