// Package pubsub holds the subscriber registry shared by the feed client, the
// order book aggregator and the ledger.
package pubsub

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry fans values of type T out to independent subscribers.
//
// Publish calls are serialized, so every subscriber sees values in publish
// order. A callback that panics is recovered and logged; delivery to the
// remaining subscribers continues. Callbacks must not subscribe to the same
// registry they are being called from.
type Registry[T any] struct {
	name   string
	logger *logrus.Logger

	deliverMu sync.Mutex
	mu        sync.RWMutex
	nextID    uint64
	subs      map[uint64]func(T)

	panicHook func()
}

func NewRegistry[T any](name string, logger *logrus.Logger) *Registry[T] {
	return &Registry[T]{
		name:   name,
		logger: logger,
		subs:   make(map[uint64]func(T)),
	}
}

// SetPanicHook installs a function run after each recovered subscriber panic.
func (r *Registry[T]) SetPanicHook(hook func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.panicHook = hook
}

// Subscribe registers cb and returns a function that removes it. The returned
// function is safe to call more than once.
func (r *Registry[T]) Subscribe(cb func(T)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = cb
	r.mu.Unlock()

	return r.unsubscriber(id)
}

// SubscribeWithInitial registers cb and hands it initial() before any value
// published after the registration.
func (r *Registry[T]) SubscribeWithInitial(cb func(T), initial func() T) func() {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	unsubscribe := r.Subscribe(cb)
	r.call(cb, initial())
	return unsubscribe
}

func (r *Registry[T]) unsubscriber(id uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Publish delivers v to every current subscriber in registration order.
func (r *Registry[T]) Publish(v T) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	for _, cb := range r.snapshot() {
		r.call(cb, v)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry[T]) snapshot() []func(T) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cbs := make([]func(T), 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, r.subs[id])
	}
	return cbs
}

func (r *Registry[T]) call(cb func(T), v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"registry": r.name,
				"panic":    fmt.Sprint(rec),
			}).Error("Subscriber callback panicked")

			r.mu.RLock()
			hook := r.panicHook
			r.mu.RUnlock()
			if hook != nil {
				hook()
			}
		}
	}()
	cb(v)
}
