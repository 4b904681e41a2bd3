package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	loc := s.loc
	tz := s.cfg.Timezone
	defs := make([]*taskDef, 0, len(s.order))
	entries := make([]cron.EntryID, 0, len(s.order))
	for _, id := range s.order {
		d := s.defs[id]
		defs = append(defs, d)
		entries = append(entries, d.entryID)
	}
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]TaskInfo, 0, len(defs))
	for i, d := range defs {
		it := TaskInfo{
			ID:       d.ID,
			Schedule: d.describe(),
			Overlap:  d.Overlap.String(),
			Queued:   d.Queued,
			Runs:     d.state.runs.Load(),
			Failures: d.state.failures.Load(),
			Running:  int(d.state.running.Load()),
		}
		d.state.mu.Lock()
		it.LastRun = d.state.lastRun
		it.LastDuration = d.state.lastTook
		it.LastError = d.state.lastErr
		d.state.mu.Unlock()

		if c != nil && entries[i] != 0 {
			e := c.Entry(entries[i])
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	return Snapshot{Started: c != nil, Timezone: tz, Tasks: items}
}
