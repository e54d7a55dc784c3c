// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/pubsub"
	"github.com/sirupsen/logrus"
)

// FakeFeed is an in-memory market-data feed driven by the test.
type FakeFeed struct {
	quote string

	mu          sync.Mutex
	ticks       models.TickSnapshot
	state       models.ConnectionState
	connects    int
	disconnects int
	connectErr  error

	prices *pubsub.Registry[models.TickSnapshot]
	books  *pubsub.Registry[models.BookDelta]
	states *pubsub.Registry[models.ConnectionState]
}

func NewFakeFeed(quote string, logger *logrus.Logger) *FakeFeed {
	return &FakeFeed{
		quote:  quote,
		ticks:  models.TickSnapshot{quote: {Symbol: quote, Price: 1}},
		state:  models.ConnectionDisconnected,
		prices: pubsub.NewRegistry[models.TickSnapshot]("fake_prices", logger),
		books:  pubsub.NewRegistry[models.BookDelta]("fake_books", logger),
		states: pubsub.NewRegistry[models.ConnectionState]("fake_states", logger),
	}
}

// FailConnect makes the next Connect calls return err.
func (f *FakeFeed) FailConnect(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *FakeFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	f.mu.Unlock()
	if err != nil {
		f.SetState(models.ConnectionConnecting)
		return err
	}
	f.SetState(models.ConnectionSubscribed)
	return nil
}

func (f *FakeFeed) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.SetState(models.ConnectionDisconnected)
}

func (f *FakeFeed) Calls() (connects, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func (f *FakeFeed) SetState(s models.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.states.Publish(s)
}

func (f *FakeFeed) State() models.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetPrice stores a tick for symbol and publishes the new snapshot.
func (f *FakeFeed) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	f.ticks[symbol] = models.PriceTick{Symbol: symbol, Price: price, UpdatedAt: time.Now()}
	f.mu.Unlock()
	f.prices.Publish(f.Snapshot())
}

func (f *FakeFeed) PushBook(d models.BookDelta) {
	f.books.Publish(d)
}

func (f *FakeFeed) Snapshot() models.TickSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(models.TickSnapshot, len(f.ticks))
	for k, v := range f.ticks {
		out[k] = v
	}
	return out
}

func (f *FakeFeed) Price(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.ticks[symbol]
	if !ok || t.Price <= 0 {
		return 0, false
	}
	return t.Price, true
}

func (f *FakeFeed) OnPriceUpdate(cb func(models.TickSnapshot)) func() {
	return f.prices.SubscribeWithInitial(cb, f.Snapshot)
}

func (f *FakeFeed) OnOrderBookUpdate(cb func(models.BookDelta)) func() {
	return f.books.Subscribe(cb)
}

func (f *FakeFeed) OnStateChange(cb func(models.ConnectionState)) func() {
	return f.states.SubscribeWithInitial(cb, f.State)
}
