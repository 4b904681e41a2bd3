package app

import (
	"fmt"
	"strings"
	"time"

	"guardbot/internal/config"
	"guardbot/internal/flight"
	"guardbot/internal/ops"
	"guardbot/internal/storage"
	"guardbot/internal/task/batch"
	"guardbot/internal/task/queue"
	"guardbot/internal/task/scheduler"
	"guardbot/internal/transport"
	"guardbot/internal/transport/telegram"
	logx "guardbot/pkg/logx"
)

const (
	defaultCleanupEvery  = time.Minute
	defaultPruneSchedule = "@daily"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: int(l.Alert.RatePerSec),
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	pt, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pt,
		Alert:       alertTarget(cfg),
	}, nil
}

func alertTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.AlertChatID, ThreadID: cfg.Telegram.AlertThreadID}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	q := cfg.Queue
	settle, err := config.ParseSignedDuration("queue.settle_delay", q.SettleDelay)
	if err != nil {
		return queue.Config{}, err
	}
	timeout, err := config.ParseDurationField("queue.default_timeout", q.DefaultTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Concurrency:    q.Concurrency,
		MaxRetries:     q.MaxRetries,
		SettleDelay:    settle,
		RatePerSec:     q.RatePerSec,
		Burst:          q.Burst,
		DefaultTimeout: timeout,
	}, nil
}

func mapBatchProfiles(cfg *config.Config) (map[string]batch.Profile, error) {
	out := make(map[string]batch.Profile, len(cfg.Batch))
	for name, p := range cfg.Batch {
		d, err := config.ParseDurationField("batch."+name+".delay", p.Delay)
		if err != nil {
			return nil, err
		}
		out[name] = batch.Profile{Size: p.Size, Delay: d}
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapFlightConfig(cfg *config.Config) (flight.Config, time.Duration, error) {
	f := cfg.Flight
	payload, err := config.ParseDurationField("flight.payload_ttl", f.PayloadTTL)
	if err != nil {
		return flight.Config{}, 0, err
	}
	lock, err := config.ParseDurationField("flight.lock_ttl", f.LockTTL)
	if err != nil {
		return flight.Config{}, 0, err
	}
	every, err := config.ParseDurationOrDefault("flight.cleanup_every", f.CleanupEvery, defaultCleanupEvery)
	if err != nil {
		return flight.Config{}, 0, err
	}
	return flight.Config{PayloadTTL: payload, LockTTL: lock}, every, nil
}

// mapStorageConfig returns enabled=false when storage is not configured.
func mapStorageConfig(cfg *config.Config) (sc storage.Config, pruneSchedule string, enabled bool, err error) {
	if cfg.Storage == nil {
		return storage.Config{}, "", false, nil
	}
	s := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, "", false, nil
	}
	path := strings.TrimSpace(s.Path)
	if path == "" {
		return storage.Config{}, "", false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, "", false, err
	}
	retention, err := config.ParseDurationOrDefault("storage.retention", s.Retention, storage.DefaultRetention)
	if err != nil {
		return storage.Config{}, "", false, err
	}
	pruneSchedule = strings.TrimSpace(s.PruneSchedule)
	if pruneSchedule == "" {
		pruneSchedule = defaultPruneSchedule
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, pruneSchedule, true, nil
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled: cfg.Ops.Enabled,
		Addr:    config.OpsAddr(cfg.Ops),
		Token:   strings.TrimSpace(cfg.Ops.Token),
		Pprof:   cfg.Ops.Pprof,
	}
}
