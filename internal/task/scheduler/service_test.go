package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"guardbot/internal/task/queue"
	logx "guardbot/pkg/logx"
)

func startService(t *testing.T, q Submitter) *Service {
	t.Helper()
	s := New(Config{}, q, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

type firings struct {
	mu    sync.Mutex
	times []time.Time
}

func (f *firings) record(context.Context) error {
	f.mu.Lock()
	f.times = append(f.times, time.Now())
	f.mu.Unlock()
	return nil
}

func (f *firings) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.times)
}

func (f *firings) snapshot() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}

func TestAnchoredScheduleNext(t *testing.T) {
	t.Parallel()
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := anchoredSchedule{first: first, every: time.Second}

	cases := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"before anchor", first.Add(-time.Hour), first},
		{"at anchor", first, first.Add(time.Second)},
		{"late wake-up does not drift", first.Add(1030 * time.Millisecond), first.Add(2 * time.Second)},
		{"exactly on grid", first.Add(5 * time.Second), first.Add(6 * time.Second)},
		{"missed several", first.Add(9500 * time.Millisecond), first.Add(10 * time.Second)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, s.Next(tc.at))
		})
	}
}

func TestAnchorFor(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.Equal(t, now.Add(time.Minute), anchorFor(Task{}, time.Minute, now))
	require.Equal(t, now.Add(5*time.Second), anchorFor(Task{StartAt: now.Add(5 * time.Second)}, time.Minute, now))
	require.Equal(t, now.Add(time.Minute), anchorFor(Task{StartAt: now.Add(-time.Second)}, time.Minute, now), "past StartAt is ignored")
}

func TestStartAtDelaysFirstFiringThenKeepsCadence(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	var f firings
	startAt := time.Now().Add(300 * time.Millisecond)
	require.NoError(t, s.AddTask(Task{ID: "x", Interval: 100 * time.Millisecond, StartAt: startAt, RunImmediately: true, Run: f.record}))

	time.Sleep(200 * time.Millisecond)
	require.Zero(t, f.count(), "fired before StartAt")

	require.Eventually(t, func() bool { return f.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	got := f.snapshot()
	require.False(t, got[0].Before(startAt))
	for k := 0; k < 3; k++ {
		want := startAt.Add(time.Duration(k) * 100 * time.Millisecond)
		require.WithinDuration(t, want, got[k], 60*time.Millisecond, "firing %d", k)
	}
}

func TestRunImmediately(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	var f firings
	require.NoError(t, s.AddTask(Task{ID: "warmup", Interval: time.Hour, RunImmediately: true, Run: f.record}))
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReRegisteringReplacesPreviousTimer(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	var old, cur atomic.Int32
	require.NoError(t, s.AddTask(Task{ID: "sweep", Interval: 30 * time.Millisecond, Run: func(context.Context) error {
		old.Add(1)
		return nil
	}}))
	require.NoError(t, s.AddTask(Task{ID: "sweep", Interval: 30 * time.Millisecond, Run: func(context.Context) error {
		cur.Add(1)
		return nil
	}}))

	require.Eventually(t, func() bool { return cur.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, old.Load())
	require.Len(t, s.Snapshot().Tasks, 1)
}

func TestFailingTaskKeepsFiringAndIsolated(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	var errs, panics atomic.Int32
	var healthy firings
	require.NoError(t, s.AddTask(Task{ID: "err", Interval: 20 * time.Millisecond, Run: func(context.Context) error {
		errs.Add(1)
		return errors.New("db unavailable")
	}}))
	require.NoError(t, s.AddTask(Task{ID: "panic", Interval: 20 * time.Millisecond, Run: func(context.Context) error {
		panics.Add(1)
		panic("nil map")
	}}))
	require.NoError(t, s.AddTask(Task{ID: "ok", Interval: 20 * time.Millisecond, Run: healthy.record}))

	require.Eventually(t, func() bool {
		return errs.Load() >= 3 && panics.Load() >= 3 && healthy.count() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	byID := map[string]TaskInfo{}
	for _, ti := range s.Snapshot().Tasks {
		byID[ti.ID] = ti
	}
	require.GreaterOrEqual(t, byID["err"].Failures, uint64(3))
	require.Equal(t, "db unavailable", byID["err"].LastError)
	require.GreaterOrEqual(t, byID["panic"].Failures, uint64(3))
	require.Contains(t, byID["panic"].LastError, "nil map")
	require.Zero(t, byID["ok"].Failures)
}

func TestOverlapPolicies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		overlap     OverlapPolicy
		wantOverlap bool
	}{
		{"allow", OverlapAllow, true},
		{"skip if running", OverlapSkipIfRunning, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := startService(t, nil)

			var cur, peak, runs atomic.Int32
			require.NoError(t, s.AddTask(Task{ID: "slow", Interval: 20 * time.Millisecond, Overlap: tc.overlap, Run: func(ctx context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(90 * time.Millisecond)
				cur.Add(-1)
				runs.Add(1)
				return nil
			}}))

			require.Eventually(t, func() bool { return runs.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
			if tc.wantOverlap {
				require.Greater(t, peak.Load(), int32(1))
			} else {
				require.Equal(t, int32(1), peak.Load())
			}
		})
	}
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	var f firings
	require.NoError(t, s.AddTask(Task{ID: "c", Interval: 20 * time.Millisecond, Run: f.record}))
	require.Eventually(t, func() bool { return f.count() >= 1 }, time.Second, 5*time.Millisecond)

	require.True(t, s.CancelTask("c"))
	require.False(t, s.CancelTask("c"))
	require.False(t, s.CancelTask("unknown"))

	time.Sleep(30 * time.Millisecond)
	n := f.count()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, n, f.count())
	require.Empty(t, s.Snapshot().Tasks)
}

func TestStopAllAndRestart(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	var a, b firings
	require.NoError(t, s.AddTask(Task{ID: "a", Interval: 20 * time.Millisecond, Run: a.record}))
	require.NoError(t, s.AddTask(Task{ID: "b", Interval: 20 * time.Millisecond, Run: b.record}))
	require.Eventually(t, func() bool { return a.count() >= 1 && b.count() >= 1 }, time.Second, 5*time.Millisecond)

	s.StopAll()
	time.Sleep(30 * time.Millisecond)
	na, nb := a.count(), b.count()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, na, a.count())
	require.Equal(t, nb, b.count())
	require.Len(t, s.Snapshot().Tasks, 2, "definitions survive StopAll")

	s.Restart()
	require.Eventually(t, func() bool { return a.count() > na && b.count() > nb }, time.Second, 5*time.Millisecond)
}

func TestTasksAddedBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	var f firings
	require.NoError(t, s.AddTask(Task{ID: "early", Interval: 20 * time.Millisecond, Run: f.record}))

	time.Sleep(60 * time.Millisecond)
	require.Zero(t, f.count())
	require.False(t, s.Snapshot().Started)

	s.Start(context.Background())
	defer s.Stop(context.Background())
	require.Eventually(t, func() bool { return f.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestQueuedTaskRunsThroughQueue(t *testing.T) {
	t.Parallel()
	q := queue.New(queue.Config{Concurrency: 1, MaxRetries: -1, SettleDelay: -1}, logx.Nop(), nil)
	q.Start(context.Background())
	t.Cleanup(func() { _ = q.Cleanup(context.Background()) })

	s := startService(t, q)
	var f firings
	require.NoError(t, s.AddTask(Task{ID: "q", Interval: 20 * time.Millisecond, Queued: true, Priority: 3, Run: f.record}))

	require.Eventually(t, func() bool { return f.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, q.Stats().Processed, uint64(2))
}

func TestAddTaskValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	run := func(context.Context) error { return nil }

	require.Error(t, s.AddTask(Task{Interval: time.Second, Run: run}))
	require.Error(t, s.AddTask(Task{ID: "x", Interval: time.Second}))
	require.Error(t, s.AddTask(Task{ID: "x", Run: run}))
	require.Error(t, s.AddSchedule("x", "every tuesday", run))
	require.Error(t, s.AddSchedule("x", "cron:61 * * * *", run))

	require.NoError(t, s.AddSchedule("nightly", "0 3 * * *", run))
	require.NoError(t, s.AddSchedule("sweep", "@every 1m", run))
	require.NoError(t, s.AddSchedule("hhmm", "00:05", run))

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, 3)
	require.Equal(t, "0 3 * * *", snap.Tasks[0].Schedule)
	require.Equal(t, "@every 1m0s", snap.Tasks[1].Schedule)
	require.Equal(t, "@every 5m0s", snap.Tasks[2].Schedule)
	require.Equal(t, "skip_if_running", snap.Tasks[0].Overlap)
}

func TestStopCancelsRunningBodies(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	s.Start(context.Background())

	started := make(chan struct{}, 1)
	cancelled := make(chan struct{})
	require.NoError(t, s.AddTask(Task{ID: "long", Interval: time.Hour, RunImmediately: true, Run: func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Stop(ctx)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running body was not cancelled")
	}
}

func TestTimezoneChangeDoesNotWaitForRunningBodies(t *testing.T) {
	t.Parallel()
	s := startService(t, nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.AddTask(Task{
		ID:       "slow",
		Interval: 10 * time.Millisecond,
		Overlap:  OverlapSkipIfRunning,
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
	}))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("body never started")
	}

	applied := make(chan struct{})
	go func() {
		s.Apply(Config{Timezone: "UTC"})
		close(applied)
	}()
	select {
	case <-applied:
	case <-time.After(time.Second):
		t.Fatal("Apply blocked on a running body")
	}

	snap := make(chan Snapshot, 1)
	go func() { snap <- s.Snapshot() }()
	select {
	case got := <-snap:
		require.Equal(t, "UTC", got.Timezone)
		require.Len(t, got.Tasks, 1)
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked after timezone change")
	}
}
