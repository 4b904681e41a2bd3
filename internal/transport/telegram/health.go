package telegram

import (
	"sync"

	tele "gopkg.in/telebot.v4"

	"guardbot/internal/transport"
	logx "guardbot/pkg/logx"
)

// healthReporter fans health transitions out to listeners. Repeated reports
// of the current state are dropped.
type healthReporter struct {
	log logx.Logger

	mu        sync.Mutex
	state     transport.HealthState
	listeners []func(transport.HealthState)
}

func (h *healthReporter) subscribe(fn func(transport.HealthState)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *healthReporter) current() transport.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *healthReporter) report(st transport.HealthState) {
	h.mu.Lock()
	if h.state == st {
		h.mu.Unlock()
		return
	}
	prev := h.state
	h.state = st
	ls := append([]func(transport.HealthState){}, h.listeners...)
	h.mu.Unlock()

	h.log.Info("connection health changed", logx.String("from", string(prev)), logx.String("to", string(st)))
	for _, fn := range ls {
		fn(st)
	}
}

// healthPoller reports ready each time polling (re)starts.
type healthPoller struct {
	inner tele.Poller
	a     *Adapter
}

func (p *healthPoller) Poll(b *tele.Bot, updates chan tele.Update, stop chan struct{}) {
	p.a.health.report(transport.HealthReady)
	p.inner.Poll(b, updates, stop)
}
