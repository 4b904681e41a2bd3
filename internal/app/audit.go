package app

import (
	"context"

	"guardbot/internal/eventbus"
	"guardbot/internal/storage"
	"guardbot/internal/task/queue"
	logx "guardbot/pkg/logx"
)

// runAudit persists permanent task failures and expired prompts from
// events until ctx is done.
func runAudit(ctx context.Context, events <-chan eventbus.Event, store storage.Store, log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := record(ctx, store, e); err != nil {
				log.Warn("audit write failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func record(ctx context.Context, store storage.Store, e eventbus.Event) error {
	switch d := e.Data.(type) {
	case queue.TaskEvent:
		return store.RecordFailure(ctx, storage.TaskFailure{
			At:       e.Time,
			TaskID:   d.ID,
			Name:     d.Name,
			Priority: d.Priority,
			Attempts: d.Attempts,
			Error:    d.Error,
		})
	case storage.ExpiredEntry:
		return store.RecordExpiry(ctx, d)
	default:
		return nil
	}
}
