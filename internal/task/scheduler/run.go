package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"guardbot/internal/task/queue"
	logx "guardbot/pkg/logx"
)

// jobFor wraps the body of d in its error boundary and overlap policy.
// Call with s.mu held.
func (s *Service) jobFor(d *taskDef) cron.Job {
	ctx := s.runCtx
	q := s.q
	var job cron.Job = cron.FuncJob(func() {
		s.fire(ctx, q, d)
	})
	if d.Overlap == OverlapSkipIfRunning {
		job = cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: s.log.With(logx.String("task", d.ID))})).Then(job)
	}
	return job
}

// fire runs one firing. Errors and panics end here: they are logged and
// counted and never affect other firings or tasks.
func (s *Service) fire(ctx context.Context, q Submitter, d *taskDef) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	st := d.state
	st.running.Add(1)
	defer st.running.Add(-1)

	start := time.Now()
	var err error
	if d.Queued && q != nil {
		err = s.submit(ctx, q, d)
	} else {
		err = s.runInline(ctx, d)
	}
	took := time.Since(start)

	st.runs.Add(1)
	st.mu.Lock()
	st.lastRun = start
	st.lastTook = took
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	st.mu.Unlock()

	if err != nil {
		st.failures.Add(1)
		s.log.Warn("task run failed", logx.String("task", d.ID), logx.Duration("took", took), logx.Err(err))
		return
	}
	s.log.Debug("task run", logx.String("task", d.ID), logx.Duration("took", took))
}

func (s *Service) runInline(ctx context.Context, d *taskDef) (err error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panic", logx.String("task", d.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return d.Run(ctx)
}

// submit hands the body to the task queue and waits for it to settle, so an
// in-flight guard also covers time spent waiting in the queue.
func (s *Service) submit(ctx context.Context, q Submitter, d *taskDef) error {
	fut := q.Submit(func(qctx context.Context) (any, error) {
		rctx, cancel := context.WithCancel(qctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		return nil, s.runInline(rctx, d)
	}, d.Priority, queue.Named("scheduler:"+d.ID))
	_, err := fut.Await(ctx)
	return err
}

// cronLogger routes robfig/cron's logging into logx. cron reports every
// wake-up at Info, which is debug noise here.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
