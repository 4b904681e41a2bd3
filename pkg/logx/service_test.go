package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureAlerter) Alert(_ context.Context, text string) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return nil
}

func (c *captureAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestNewWriterFiltersLevelAndKeepsFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "queue"))

	log.Debug("hidden")
	log.Info("visible", Int("n", 3))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	require.Equal(t, "visible", rec["message"])
	require.Equal(t, "queue", rec["comp"])
	require.EqualValues(t, 3, rec["n"])
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	require.True(t, log.IsZero())
	log.Error("nothing happens")
	require.False(t, Nop().IsZero())
}

func TestAlertSinkRespectsMinLevel(t *testing.T) {
	al := &captureAlerter{}
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, al)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("not forwarded")
	log.Warn("forwarded", String("task", "flight.cleanup"))

	require.Eventually(t, func() bool { return al.count() == 1 }, time.Second, 10*time.Millisecond)
	al.mu.Lock()
	msg := al.msgs[0]
	al.mu.Unlock()
	require.Contains(t, msg, "[WARN] forwarded")
	require.Contains(t, msg, "task=flight.cleanup")
}

func TestFormatAlertNonJSON(t *testing.T) {
	t.Parallel()
	require.Equal(t, "plain text", formatAlert([]byte("  plain text \n")))
}
