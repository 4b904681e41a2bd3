// Package batch runs one function over many items in fixed-size chunks,
// pausing between chunks so bulk platform operations stay under rate limits.
package batch

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	logx "guardbot/pkg/logx"
)

const DefaultCategory = "default"

// Profile is the chunking policy of one category of bulk work.
type Profile struct {
	Size  int           `json:"size"`
	Delay time.Duration `json:"delay"`
}

// DefaultProfiles returns the built-in category table.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		DefaultCategory: {Size: 10, Delay: time.Second},
		"messages":      {Size: 5, Delay: time.Second},
		"members":       {Size: 10, Delay: 2 * time.Second},
		"roles":         {Size: 5, Delay: 2 * time.Second},
		"moderation":    {Size: 3, Delay: 3 * time.Second},
		"database":      {Size: 50, Delay: 100 * time.Millisecond},
	}
}

type Executor struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	log      logx.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds an executor. Entries in profiles override the built-in ones
// with the same name.
func New(profiles map[string]Profile, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{log: log, sleep: sleepCtx}
	e.SetProfiles(profiles)
	return e
}

// SetProfiles replaces the category table. Invalid entries are ignored.
func (e *Executor) SetProfiles(profiles map[string]Profile) {
	merged := DefaultProfiles()
	for name, p := range profiles {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || p.Size <= 0 || p.Delay < 0 {
			e.log.Warn("batch profile ignored", logx.String("category", name), logx.Int("size", p.Size), logx.Duration("delay", p.Delay))
			continue
		}
		merged[name] = p
	}
	e.mu.Lock()
	e.profiles = merged
	e.mu.Unlock()
}

// Profile returns the policy of category, falling back to the default one.
func (e *Executor) Profile(category string) Profile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.profiles[strings.ToLower(strings.TrimSpace(category))]; ok {
		return p
	}
	return e.profiles[DefaultCategory]
}

// ProgressFunc is called once per finished chunk.
type ProgressFunc func(percent, processed, total int)

type options struct {
	category string
	progress ProgressFunc
}

type Option func(*options)

func WithCategory(category string) Option {
	return func(o *options) { o.category = category }
}

func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// Process runs fn over items chunk by chunk. Items of one chunk run
// concurrently; the next chunk starts after the whole chunk finished and the
// profile delay elapsed. No delay follows the last chunk.
//
// Process has no error boundary: the first error from fn cancels the chunk
// context, skips the remaining chunks and is returned. Callers that want
// partial-failure tolerance handle errors inside fn. On success the result
// slice has the length and order of items.
func Process[T, R any](ctx context.Context, e *Executor, items []T, fn func(ctx context.Context, item T) (R, error), opts ...Option) ([]R, error) {
	o := options{category: DefaultCategory}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	prof := e.Profile(o.category)
	total := len(items)
	out := make([]R, total)
	if total == 0 {
		return out, nil
	}

	start := time.Now()
	chunks := 0
	for lo := 0; lo < total; lo += prof.Size {
		hi := min(lo+prof.Size, total)

		g, gctx := errgroup.WithContext(ctx)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				r, err := fn(gctx, items[i])
				if err != nil {
					return err
				}
				out[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			e.log.Debug("batch aborted", logx.String("category", o.category), logx.Int("chunk", chunks), logx.Err(err))
			return nil, err
		}
		chunks++

		if o.progress != nil {
			o.progress(percent(hi, total), hi, total)
		}
		if hi < total && prof.Delay > 0 {
			if err := e.sleep(ctx, prof.Delay); err != nil {
				return nil, err
			}
		}
	}

	e.log.Debug("batch done", logx.String("category", o.category), logx.Int("items", total), logx.Int("chunks", chunks), logx.Duration("took", time.Since(start)))
	return out, nil
}

// percent rounds half up, so 1 of 3 is 33 and 2 of 3 is 67.
func percent(done, total int) int {
	return (done*200 + total) / (2 * total)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
