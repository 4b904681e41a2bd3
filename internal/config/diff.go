package config

import (
	"reflect"
	"sort"
	"strings"

	logx "guardbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	o, n := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(o.PollTimeout) != strings.TrimSpace(n.PollTimeout) ||
		o.AlertChatID != n.AlertChatID || o.AlertThreadID != n.AlertThreadID ||
		o.Token != n.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(n.PollTimeout)),
			logx.Bool("telegram.alert_chat_set", n.AlertChatID != 0),
			logx.Bool("telegram.token_changed", o.Token != n.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		q := newCfg.Queue
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.concurrency", q.Concurrency),
			logx.Int("queue.max_retries", q.MaxRetries),
			logx.String("queue.settle_delay", q.SettleDelay),
			logx.Float64("queue.rate_per_sec", q.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		attrs = append(attrs, logx.Int("batch.profiles", len(newCfg.Batch)))
	}

	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	if oldCfg.Flight != newCfg.Flight {
		f := newCfg.Flight
		changed = append(changed, "flight")
		attrs = append(attrs,
			logx.String("flight.payload_ttl", f.PayloadTTL),
			logx.String("flight.lock_ttl", f.LockTTL),
			logx.String("flight.cleanup_every", f.CleanupEvery),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", nS.Retention),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled || strings.TrimSpace(oo.Addr) != strings.TrimSpace(no.Addr) ||
		oo.Pprof != no.Pprof || (oo.Token != "") != (no.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", OpsAddr(no)),
			logx.Bool("ops.token_set", no.Token != ""),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
