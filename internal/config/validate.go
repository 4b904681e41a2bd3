package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"guardbot/internal/task/scheduler"
)

// Validate checks a parsed config. It is installed as the reload validator,
// so a broken edit is rejected before anything is applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if cfg.Queue.Concurrency < 0 {
		add(errors.New("queue.concurrency must be >= 0"))
	}
	if cfg.Queue.RatePerSec < 0 {
		add(errors.New("queue.rate_per_sec must be >= 0"))
	}
	if _, err := ParseSignedDuration("queue.settle_delay", cfg.Queue.SettleDelay); err != nil {
		add(err)
	}
	dur("queue.default_timeout", cfg.Queue.DefaultTimeout)

	for name, p := range cfg.Batch {
		if strings.TrimSpace(name) == "" {
			add(errors.New("batch: empty category name"))
		}
		if p.Size <= 0 {
			add(fmt.Errorf("batch.%s.size must be > 0", name))
		}
		dur("batch."+name+".delay", p.Delay)
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	payload, err := ParseDurationOrDefault("flight.payload_ttl", cfg.Flight.PayloadTTL, 30*time.Minute)
	add(err)
	lock, err := ParseDurationOrDefault("flight.lock_ttl", cfg.Flight.LockTTL, 5*time.Minute)
	add(err)
	if err == nil && lock >= payload {
		add(fmt.Errorf("flight.lock_ttl (%s) must be shorter than flight.payload_ttl (%s)", lock, payload))
	}
	dur("flight.cleanup_every", cfg.Flight.CleanupEvery)

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path is required for sqlite"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		dur("storage.retention", s.Retention)
		if strings.TrimSpace(s.PruneSchedule) != "" {
			if _, err := scheduler.ParseSchedule(s.PruneSchedule); err != nil {
				add(fmt.Errorf("storage.prune_schedule: %w", err))
			}
		}
	}

	if cfg.Ops.Enabled {
		addr := OpsAddr(cfg.Ops)
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			add(fmt.Errorf("ops.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(cfg.Ops.Token) == "" {
			add(fmt.Errorf("ops.addr %q is not loopback; set ops.token", addr))
		}
	}

	return errors.Join(errs...)
}

// OpsAddr returns the configured ops address or the localhost default.
func OpsAddr(c OpsConfig) string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return "127.0.0.1:6060"
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
