package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"guardbot/internal/eventbus"
	"guardbot/internal/task/queue"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

// KindTaskFailed prompts tell the alert chat that a task gave up after its
// retries; operators acknowledge them with a button.
const KindTaskFailed = "task.failed"

const actionAck = "ack"

// failureAlerts turns task.failed events into acknowledgeable prompts.
type failureAlerts struct {
	log     logx.Logger
	disp    *Dispatcher
	adapter transport.Adapter
	target  func() transport.ChatTarget
	lim     *rate.Limiter
}

func newFailureAlerts(disp *Dispatcher, adapter transport.Adapter, target func() transport.ChatTarget, log logx.Logger) *failureAlerts {
	fa := &failureAlerts{
		log:     log,
		disp:    disp,
		adapter: adapter,
		target:  target,
		lim:     rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
	disp.Handle(KindTaskFailed, fa.acknowledge)
	return fa
}

func (fa *failureAlerts) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if ev, ok := e.Data.(queue.TaskEvent); ok {
				fa.prompt(ctx, ev)
			}
		}
	}
}

// selfInflicted reports tasks whose failure would only produce another
// prompt that fails the same way.
func selfInflicted(name string) bool {
	return strings.HasPrefix(name, "prompt:") || strings.HasPrefix(name, "callback")
}

func (fa *failureAlerts) prompt(ctx context.Context, ev queue.TaskEvent) {
	to := fa.target()
	if to.ChatID == 0 || selfInflicted(ev.Name) {
		return
	}
	if !fa.lim.Allow() {
		fa.log.Debug("failure prompt suppressed (rate)", logx.String("task", ev.Name))
		return
	}
	name := ev.Name
	if name == "" {
		name = ev.ID
	}
	text := fmt.Sprintf("⚠️ Task %s failed after %d attempt(s)\n%s", name, ev.Attempts, ev.Error)
	_, err := fa.disp.Prompt(ctx, to, KindTaskFailed, text,
		[]Action{{ID: actionAck, Label: "Acknowledge"}},
		map[string]string{"task": name})
	if err != nil && ctx.Err() == nil {
		fa.log.Warn("failure prompt not sent", logx.String("task", name), logx.Err(err))
	}
}

// acknowledge runs inside a queue slot, so it talks to the adapter directly.
// The edit carries no buttons, which removes the keyboard.
func (fa *failureAlerts) acknowledge(ctx context.Context, cb transport.Callback, action string, p Pending) (string, error) {
	if action != actionAck {
		return "", queue.NoRetry(fmt.Errorf("unknown action %q", action))
	}
	text := p.Text + "\n\n✅ Acknowledged by " + strconv.FormatInt(cb.FromID, 10)
	if err := fa.adapter.EditText(ctx, p.Ref, text, nil); err != nil {
		return "", err
	}
	return "Acknowledged.", nil
}
