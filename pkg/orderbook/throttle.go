package orderbook

import (
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/sirupsen/logrus"
)

// Subscribe delivers views for symbol ("" for every symbol) no more often than
// once per minInterval. Views arriving inside the interval are coalesced and
// the most recent one is delivered when the interval ends.
func (a *Aggregator) Subscribe(symbol string, minInterval time.Duration, cb func(models.OrderBook)) func() {
	t := &throttle{interval: minInterval, cb: cb, logger: a.logger}

	unsubscribe := a.subs.Subscribe(func(b models.OrderBook) {
		if symbol == "" || b.Symbol == symbol {
			t.offer(b)
		}
	})

	return func() {
		unsubscribe()
		t.stop()
	}
}

type throttle struct {
	interval time.Duration
	cb       func(models.OrderBook)
	logger   *logrus.Logger

	mu      sync.Mutex
	last    time.Time
	pending *models.OrderBook
	timer   *time.Timer
	stopped bool
}

func (t *throttle) offer(b models.OrderBook) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := time.Now()
	if t.timer == nil && (t.last.IsZero() || now.Sub(t.last) >= t.interval) {
		t.last = now
		t.mu.Unlock()
		t.deliver(b)
		return
	}

	t.pending = &b
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval-now.Sub(t.last), t.flush)
	}
	t.mu.Unlock()
}

func (t *throttle) flush() {
	t.mu.Lock()
	p := t.pending
	t.pending = nil
	t.timer = nil
	if t.stopped || p == nil {
		t.mu.Unlock()
		return
	}
	t.last = time.Now()
	t.mu.Unlock()

	t.deliver(*p)
}

func (t *throttle) deliver(b models.OrderBook) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.WithFields(logrus.Fields{
				"symbol": b.Symbol,
				"panic":  fmt.Sprint(rec),
			}).Error("Order book subscriber panicked")
		}
	}()
	t.cb(b)
}

func (t *throttle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
