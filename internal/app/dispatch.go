package app

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"guardbot/internal/flight"
	"guardbot/internal/task/queue"
	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

// Queue priorities. Button presses jump ahead of everything a user is not
// actively waiting on.
const (
	PriorityCallback    = 10
	PriorityPrompt      = 5
	PriorityNotify      = 3
	PriorityMaintenance = 0
)

const callbackSep = "|"

// Pending is the payload kept for a prompt until a button is pressed or it
// expires.
type Pending struct {
	Kind string
	Text string
	Ref  transport.MessageRef
	Args map[string]string
}

// Action is one button of a prompt.
type Action struct {
	ID    string
	Label string
}

// Handler reacts to a button press. The returned text is shown to the user
// as the callback answer. Errors are retried by the queue; once retries are
// exhausted the prompt is unlocked so the user can press again.
type Handler func(ctx context.Context, cb transport.Callback, action string, p Pending) (string, error)

// Dispatcher connects prompts, pending-interaction state and button presses.
type Dispatcher struct {
	log     logx.Logger
	q       *queue.Queue
	adapter transport.Adapter
	pending *flight.Store[Pending]

	mu       sync.RWMutex
	handlers map[string]Handler

	wg sync.WaitGroup
}

func NewDispatcher(q *queue.Queue, adapter transport.Adapter, pending *flight.Store[Pending], log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		log:      log,
		q:        q,
		adapter:  adapter,
		pending:  pending,
		handlers: map[string]Handler{},
	}
}

// Handle registers the handler for prompts of kind.
func (d *Dispatcher) Handle(kind string, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
}

func (d *Dispatcher) handler(kind string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[kind]
}

// Prompt posts text with one button per action and tracks it until a press
// or expiry. It returns the key the buttons carry.
func (d *Dispatcher) Prompt(ctx context.Context, to transport.ChatTarget, kind, text string, actions []Action, args map[string]string) (string, error) {
	if d.handler(kind) == nil {
		return "", errors.New("no handler for prompt kind " + kind)
	}
	key := uuid.NewString()
	row := make([]transport.Button, 0, len(actions))
	for _, a := range actions {
		row = append(row, transport.Button{Text: a.Label, Data: key + callbackSep + a.ID})
	}

	ref, err := queue.Do(ctx, d.q, PriorityPrompt, func(c context.Context) (transport.MessageRef, error) {
		return d.adapter.SendText(c, to, text, &transport.SendOptions{Buttons: [][]transport.Button{row}})
	}, queue.Named("prompt:"+kind))
	if err != nil {
		return "", err
	}
	d.pending.Add(key, Pending{Kind: kind, Text: text, Ref: ref, Args: args})
	return key, nil
}

// Run consumes callbacks until ctx is done or in is closed, then waits for
// in-flight handlers.
func (d *Dispatcher) Run(ctx context.Context, in <-chan transport.Callback) error {
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cb, ok := <-in:
			if !ok {
				return nil
			}
			d.dispatch(ctx, cb)
		}
	}
}

func parseCallbackData(data string) (key, action string, ok bool) {
	key, action, ok = strings.Cut(data, callbackSep)
	if !ok || key == "" {
		return "", "", false
	}
	return key, action, true
}

func (d *Dispatcher) dispatch(ctx context.Context, cb transport.Callback) {
	key, action, ok := parseCallbackData(cb.Data)
	if !ok {
		d.answer(cb.ID, "")
		return
	}

	holder := uuid.NewString()
	p, ok := d.pending.GetAndLock(key, holder)
	if !ok {
		if d.pending.IsLocked(key) {
			d.answer(cb.ID, "Already being processed…")
		} else {
			d.answer(cb.ID, "This request has expired.")
		}
		return
	}

	h := d.handler(p.Kind)
	if h == nil {
		d.log.Warn("no handler for pending kind", logx.String("kind", p.Kind), logx.String("key", key))
		d.pending.Delete(key)
		d.answer(cb.ID, "")
		return
	}

	log := d.log.With(logx.String("kind", p.Kind), logx.String("key", key), logx.String("action", action))
	fut := d.q.Submit(func(c context.Context) (any, error) {
		return h(c, cb, action, p)
	}, PriorityCallback, queue.Named("callback:"+p.Kind))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		v, err := fut.Await(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Shutting down; the lock expires on its own.
				return
			}
			log.Warn("callback handler failed", logx.Err(err))
			d.pending.Unlock(key)
			d.answer(cb.ID, "Something went wrong, please try again.")
			return
		}
		d.pending.Delete(key)
		reply, _ := v.(string)
		d.answer(cb.ID, reply)
	}()
}

// answer is fire-and-forget; an unanswered callback only leaves a spinner.
func (d *Dispatcher) answer(callbackID, text string) {
	if callbackID == "" {
		return
	}
	d.q.Submit(func(c context.Context) (any, error) {
		return nil, d.adapter.AnswerCallback(c, callbackID, text)
	}, PriorityCallback, queue.Named("callback.answer"))
}
