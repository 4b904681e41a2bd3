// Package telegram is the Telegram implementation of transport.Adapter,
// built on telebot. It forwards callback queries to the dispatcher and
// reports connection health to whoever listens (the task queue).
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "guardbot/internal/runtime/supervisor"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	Alert       transport.ChatTarget
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- transport.Callback
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64
	polls   atomic.Int64

	alertMu sync.RWMutex
	alert   transport.ChatTarget

	health healthReporter
}

var _ transport.Adapter = (*Adapter)(nil)
var _ transport.HealthSource = (*Adapter)(nil)
var _ logx.Alerter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	a := &Adapter{log: log, alert: cfg.Alert}
	a.health.log = log

	poller := tele.NewMiddlewarePoller(&tele.LongPoller{Timeout: timeout}, a.filterUpdate)
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &healthPoller{inner: poller, a: a},
		OnError: a.onError,
	})
	if err != nil {
		return nil, err
	}
	a.bot = b

	var nilOut chan<- transport.Callback
	a.out.Store(nilOut)
	b.Handle(tele.OnCallback, a.handleCallback)
	return a, nil
}

// OnHealth registers fn for every health transition. Listeners run
// synchronously on the reporting goroutine and must not block.
func (a *Adapter) OnHealth(fn func(transport.HealthState)) { a.health.subscribe(fn) }

// SetAlertTarget changes where Alert sends to. A zero chat disables alerts.
func (a *Adapter) SetAlertTarget(to transport.ChatTarget) {
	a.alertMu.Lock()
	a.alert = to
	a.alertMu.Unlock()
}

// Supervisor returns the adapter's internal supervisor, nil when stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) handleCallback(c tele.Context) error {
	cb := c.Callback()
	m := c.Message()
	if cb == nil || m == nil || m.Chat == nil || cb.Sender == nil {
		return nil
	}
	a.forward(transport.Callback{
		ID:        cb.ID,
		FromID:    cb.Sender.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		Data:      strings.TrimSpace(cb.Data),
	})
	return nil
}

func (a *Adapter) forward(cb transport.Callback) {
	out, _ := a.out.Load().(chan<- transport.Callback)
	if out == nil {
		return
	}
	select {
	case out <- cb:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) onError(err error, c tele.Context) {
	if err == nil {
		return
	}
	if c != nil {
		// Handler errors say nothing about the connection.
		a.log.Warn("telegram handler error", logx.Err(err))
		return
	}
	a.log.Warn("telegram poll error", logx.Err(err))
	a.health.report(transport.HealthError)
}

// filterUpdate sees every update before dispatch. The first update after a
// poll error proves the connection is back.
func (a *Adapter) filterUpdate(*tele.Update) bool {
	if a.health.current() == transport.HealthError {
		a.health.report(transport.HealthResumed)
	}
	return true
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Callback) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("callbacks.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop. If it returns while we are still running
	// the poll loop died, so restart it.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		if a.polls.Add(1) > 1 {
			a.health.report(transport.HealthReconnecting)
		}
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("poll loop exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("callbacks dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown for longer than a short grace window; the
// long-poll request may still be in flight.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	wasRunning := a.running
	a.sup = nil
	a.running = false
	var nilOut chan<- transport.Callback
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()
	a.health.report(transport.HealthDisconnected)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := sendOptions(opt, to.ThreadID)
		if i == 0 {
			so.ReplyMarkup = markup(opt.Buttons)
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// EditText replaces the message text. Overflow beyond one message is sent
// as follow-up messages in the same thread.
func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	so := sendOptions(opt, 0)
	so.ReplyMarkup = markup(opt.Buttons)
	if _, err := a.bot.Edit(m, chunks[0], so); err != nil {
		return err
	}
	chat := &tele.Chat{ID: ref.ChatID}
	for _, chunk := range chunks[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, sendOptions(opt, ref.ThreadID)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// Alert implements logx.Alerter.
func (a *Adapter) Alert(ctx context.Context, text string) error {
	a.alertMu.RLock()
	to := a.alert
	a.alertMu.RUnlock()
	if to.ChatID == 0 {
		return nil
	}
	_, err := a.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func sendOptions(opt *transport.SendOptions, threadID int) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              threadID,
	}
}

func markup(rows [][]transport.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			r = append(r, tele.InlineButton{Text: b.Text, Data: b.Data})
		}
		kb = append(kb, r)
	}
	return &tele.ReplyMarkup{InlineKeyboard: kb}
}
