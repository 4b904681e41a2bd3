package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"guardbot/internal/eventbus"
	"guardbot/internal/task/queue"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

func TestFailurePromptIsAcknowledged(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t)
	alertChat := transport.ChatTarget{ChatID: -500}
	fa := newFailureAlerts(f.disp, f.ad, func() transport.ChatTarget { return alertChat }, logx.Nop())

	events := make(chan eventbus.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fa.run(ctx, events)

	events <- eventbus.Event{Type: eventbus.TaskFailed, Data: queue.TaskEvent{ID: "t1", Name: "storage.prune", Attempts: 4, Error: "disk full"}}
	require.Eventually(t, func() bool { return f.pending.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	msg := f.ad.lastSent()
	require.Equal(t, alertChat, msg.to)
	require.Contains(t, msg.text, "storage.prune")
	require.Contains(t, msg.text, "disk full")
	require.Len(t, msg.opt.Buttons, 1)
	data := msg.opt.Buttons[0][0].Data
	key, action, ok := parseCallbackData(data)
	require.True(t, ok)
	require.Equal(t, actionAck, action)

	f.press("cb1", key, actionAck)
	require.Equal(t, "Acknowledged.", f.waitAnswer(t, "cb1"))
	require.Contains(t, f.ad.edit(1), "Acknowledged by 1")
	require.Zero(t, f.pending.Len())
}

func TestFailurePromptSkips(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		chat  int64
		event queue.TaskEvent
	}{
		{"no alert chat", 0, queue.TaskEvent{Name: "flight.cleanup"}},
		{"failed prompt", -500, queue.TaskEvent{Name: "prompt:" + KindTaskFailed}},
		{"failed callback answer", -500, queue.TaskEvent{Name: "callback.answer"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newDispatchFixture(t)
			fa := newFailureAlerts(f.disp, f.ad, func() transport.ChatTarget { return transport.ChatTarget{ChatID: tc.chat} }, logx.Nop())
			fa.prompt(context.Background(), tc.event)
			require.Zero(t, f.ad.sentCount())
		})
	}
}

func TestFailurePromptsAreRateLimited(t *testing.T) {
	t.Parallel()
	f := newDispatchFixture(t)
	fa := newFailureAlerts(f.disp, f.ad, func() transport.ChatTarget { return transport.ChatTarget{ChatID: -500} }, logx.Nop())

	for i := range 5 {
		fa.prompt(context.Background(), queue.TaskEvent{Name: "job", Attempts: i + 1})
	}
	require.Equal(t, 3, f.ad.sentCount(), "burst of three, then one per 10s")
}
