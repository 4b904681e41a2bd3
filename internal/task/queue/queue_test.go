package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"guardbot/internal/eventbus"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = time.Millisecond
	}
	q := New(cfg, nopLogger(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Cleanup(ctx)
	})
	return q
}

func await(t *testing.T, f *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not settle in time")
	return v, err
}

func TestFirstWavePicksHighestPriorities(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{Concurrency: 5})

	gate := make(chan struct{})
	var mu sync.Mutex
	var started []int

	prios := []int{1, 1, 1, 1, 1, 5, 5, 3, 3, 3}
	futs := make([]*Future, 0, len(prios))
	for _, p := range prios {
		p := p
		futs = append(futs, q.Submit(func(ctx context.Context) (any, error) {
			mu.Lock()
			started = append(started, p)
			mu.Unlock()
			<-gate
			return p, nil
		}, p))
	}

	// Everything is queued before the dispatcher runs, so the first wave is
	// chosen from the full set.
	q.Start(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 5
	}, 2*time.Second, 5*time.Millisecond)

	st := q.Stats()
	require.Equal(t, 5, st.CurrentProcessing)
	require.Equal(t, 5, st.QueueLength)

	mu.Lock()
	first := append([]int(nil), started...)
	mu.Unlock()
	require.ElementsMatch(t, []int{5, 5, 3, 3, 3}, first)

	close(gate)
	for _, f := range futs {
		_, err := await(t, f)
		require.NoError(t, err)
	}
	require.EqualValues(t, 10, q.Stats().Processed)
}

func TestEqualPriorityKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{Concurrency: 1})

	var mu sync.Mutex
	var order []int
	var futs []*Future
	for i := 0; i < 5; i++ {
		i := i
		futs = append(futs, q.Submit(func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, 2))
	}
	q.Start(context.Background())
	for _, f := range futs {
		_, err := await(t, f)
		require.NoError(t, err)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRetryBound(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	q := New(Config{Concurrency: 2, MaxRetries: 2, SettleDelay: time.Millisecond}, nopLogger(), bus)
	q.Start(context.Background())
	defer q.Cleanup(context.Background())

	errBoom := errors.New("boom")
	var attempts atomic.Int32
	fut := q.Submit(func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, errBoom
	}, 0, Named("always-fails"))

	_, err := await(t, fut)
	require.ErrorIs(t, err, errBoom)
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	require.Equal(t, 3, perm.Attempts)
	require.EqualValues(t, 3, attempts.Load())

	st := q.Stats()
	require.EqualValues(t, 1, st.Failed)
	require.EqualValues(t, 2, st.Retried)
	require.EqualValues(t, 0, st.Processed)

	// Events are published after the future settles.
	var retried, failed int
	timeout := time.After(2 * time.Second)
	for failed == 0 {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.TaskRetried:
				retried++
			case eventbus.TaskFailed:
				failed++
				require.Equal(t, "always-fails", ev.Data.(TaskEvent).Name)
			}
		case <-timeout:
			t.Fatal("task.failed event not published")
		}
	}
	require.Equal(t, 2, retried)
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{MaxRetries: 3})
	q.Start(context.Background())

	var attempts atomic.Int32
	v, err := Do(context.Background(), q, 1, func(ctx context.Context) (string, error) {
		if attempts.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.EqualValues(t, 2, q.Stats().Retried)
	require.EqualValues(t, 1, q.Stats().Processed)
}

func TestNoRetryFailsImmediately(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{MaxRetries: 5})
	q.Start(context.Background())

	errBad := errors.New("bad input")
	var attempts atomic.Int32
	_, err := await(t, q.Submit(func(ctx context.Context) (any, error) {
		attempts.Add(1)
		return nil, NoRetry(errBad)
	}, 0))
	require.ErrorIs(t, err, errBad)
	require.False(t, IsNoRetry(err))
	require.EqualValues(t, 1, attempts.Load())
	require.EqualValues(t, 0, q.Stats().Retried)
}

func TestPanicIsConvertedToFailure(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{MaxRetries: -1})
	q.Start(context.Background())

	_, err := await(t, q.Submit(func(ctx context.Context) (any, error) {
		panic("kaboom")
	}, 0))
	require.ErrorContains(t, err, "kaboom")
	require.EqualValues(t, 1, q.Stats().Failed)

	v, err := await(t, q.Submit(func(ctx context.Context) (any, error) { return 7, nil }, 0))
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestPauseBlocksNewWaves(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{Concurrency: 2})
	q.Start(context.Background())

	gate := make(chan struct{})
	var ran atomic.Int32
	first := q.Submit(func(ctx context.Context) (any, error) {
		ran.Add(1)
		<-gate
		return nil, nil
	}, 0)
	require.Eventually(t, func() bool { return q.Stats().CurrentProcessing == 1 }, time.Second, 5*time.Millisecond)

	q.Pause()
	var later []*Future
	for i := 0; i < 4; i++ {
		later = append(later, q.Submit(func(ctx context.Context) (any, error) {
			ran.Add(1)
			return nil, nil
		}, 10))
	}

	// The running task still completes while paused.
	close(gate)
	_, err := await(t, first)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, ran.Load())
	require.Equal(t, 4, q.Stats().QueueLength)
	require.True(t, q.Stats().Paused)

	q.Resume()
	for _, f := range later {
		_, err := await(t, f)
		require.NoError(t, err)
	}
	require.EqualValues(t, 5, ran.Load())
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	t.Parallel()
	const limit = 3
	q := newTestQueue(t, Config{Concurrency: limit})
	q.Start(context.Background())

	var cur, peak atomic.Int32
	var futs []*Future
	for i := 0; i < 20; i++ {
		futs = append(futs, q.Submit(func(ctx context.Context) (any, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if got := q.Stats().CurrentProcessing; got > limit {
				t.Errorf("current processing = %d, cap %d", got, limit)
			}
			time.Sleep(2 * time.Millisecond)
			cur.Add(-1)
			return nil, nil
		}, i%4))
	}
	for _, f := range futs {
		_, err := await(t, f)
		require.NoError(t, err)
	}
	require.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestWaveWaitsForSlowestTask(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{Concurrency: 2})

	gate := make(chan struct{})
	var thirdStarted atomic.Bool
	fast := q.Submit(func(ctx context.Context) (any, error) { return nil, nil }, 1)
	slow := q.Submit(func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, 1)
	third := q.Submit(func(ctx context.Context) (any, error) {
		thirdStarted.Store(true)
		return nil, nil
	}, 0)
	q.Start(context.Background())

	_, err := await(t, fast)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.False(t, thirdStarted.Load(), "slot refilled before the wave settled")

	close(gate)
	_, err = await(t, slow)
	require.NoError(t, err)
	_, err = await(t, third)
	require.NoError(t, err)
	require.True(t, thirdStarted.Load())
}

func TestSetHealthState(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})

	require.NoError(t, q.SetHealthState(transport.HealthError))
	require.True(t, q.Stats().Paused)

	require.NoError(t, q.SetHealthState(transport.HealthDisconnected))
	require.True(t, q.Stats().Paused, "disconnect must not resume")

	for _, st := range []transport.HealthState{transport.HealthReady, transport.HealthResumed, transport.HealthReconnecting} {
		q.Pause()
		require.NoError(t, q.SetHealthState(st))
		require.False(t, q.Stats().Paused, "state %s should resume", st)
	}

	require.NoError(t, q.SetHealthState(transport.HealthDisconnected))
	require.False(t, q.Stats().Paused, "disconnect must not pause")

	err := q.SetHealthState("flapping")
	require.ErrorIs(t, err, ErrUnknownHealthState)
}

func TestCleanupRejectsQueuedAndLaterSubmissions(t *testing.T) {
	t.Parallel()
	q := New(Config{Concurrency: 1, SettleDelay: time.Millisecond}, nopLogger(), nil)
	q.Start(context.Background())

	gate := make(chan struct{})
	running := q.Submit(func(ctx context.Context) (any, error) {
		<-gate
		return "done", nil
	}, 0)
	require.Eventually(t, func() bool { return q.Stats().CurrentProcessing == 1 }, time.Second, 5*time.Millisecond)
	queued := q.Submit(func(ctx context.Context) (any, error) { return nil, nil }, 0)

	cleaned := make(chan error, 1)
	go func() { cleaned <- q.Cleanup(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(gate)
	require.NoError(t, <-cleaned)

	v, err := await(t, running)
	require.NoError(t, err)
	require.Equal(t, "done", v)

	_, err = await(t, queued)
	require.ErrorIs(t, err, ErrShuttingDown)

	_, err = await(t, q.Submit(func(ctx context.Context) (any, error) { return nil, nil }, 0))
	require.ErrorIs(t, err, ErrQueueUnavailable)

	st := q.Stats()
	require.True(t, st.Closed)
	require.Zero(t, st.QueueLength)
	require.Zero(t, st.CurrentProcessing)
}

func TestCleanupTimesOutWithStragglers(t *testing.T) {
	t.Parallel()
	q := New(Config{Concurrency: 1, SettleDelay: -1}, nopLogger(), nil)
	q.Start(context.Background())

	straggler := q.Submit(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 0)
	require.Eventually(t, func() bool { return q.Stats().CurrentProcessing == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Cleanup(ctx), context.DeadlineExceeded)

	// Cleanup cancels the work context; the straggler settles as a failure
	// without being re-queued.
	_, err := await(t, straggler)
	require.Error(t, err)
}

func TestApplyChangesConcurrency(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{Concurrency: 1})
	q.Apply(Config{Concurrency: 4, SettleDelay: time.Millisecond})
	require.Equal(t, 4, q.Stats().Concurrency)
}

func TestLoweringConcurrencyKeepsStatsWithinCap(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{Concurrency: 3})
	q.Start(context.Background())

	release := make(chan struct{})
	futs := make([]*Future, 0, 3)
	for range 3 {
		futs = append(futs, q.Submit(func(ctx context.Context) (any, error) {
			<-release
			return nil, nil
		}, 0))
	}
	require.Eventually(t, func() bool { return q.Stats().CurrentProcessing == 3 }, time.Second, time.Millisecond)

	q.Apply(Config{Concurrency: 1, SettleDelay: time.Millisecond})
	st := q.Stats()
	require.LessOrEqual(t, st.CurrentProcessing, st.Concurrency)
	require.Equal(t, 3, st.Concurrency)

	close(release)
	for _, f := range futs {
		_, err := await(t, f)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		st := q.Stats()
		return st.CurrentProcessing == 0 && st.Concurrency == 1
	}, time.Second, time.Millisecond)
}

func TestDoRejectsMismatchedResultType(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	q.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	n, err := Do(ctx, q, 0, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.Equal(t, 7, n)

	var nilErr error
	got, err := Do(ctx, q, 0, func(context.Context) (error, error) { return nilErr, nil })
	require.NoError(t, err, "nil interface result is the zero value")
	require.Nil(t, got)

	_, err = doAs[string](ctx, q.Submit(func(context.Context) (any, error) { return 42, nil }, 0))
	require.ErrorContains(t, err, "int")
}

func TestNilWorkIsRejected(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{})
	_, err := await(t, q.Submit(nil, 0))
	require.Error(t, err)
}
