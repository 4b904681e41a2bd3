package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "guardbot/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	RecordFailure(ctx context.Context, f TaskFailure) error
	RecordExpiry(ctx context.Context, e ExpiredEntry) error
	RecentFailures(ctx context.Context, limit int) ([]TaskFailure, error)
	// Prune deletes rows recorded before cutoff and returns how many went.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
