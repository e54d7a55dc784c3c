package pubsub_test

import (
	"testing"

	"github.com/gregtusar/papertrade/pkg/pubsub"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestPublishOrderAndUnsubscribe(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := pubsub.NewRegistry[int]("ints", logger)

	var order []string
	unsubA := r.Subscribe(func(v int) { order = append(order, "a") })
	r.Subscribe(func(v int) { order = append(order, "b") })

	r.Publish(1)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("delivery order: got %v, want [a b]", order)
	}

	unsubA()
	unsubA()
	if r.Len() != 1 {
		t.Errorf("len after unsubscribe: got %d, want 1", r.Len())
	}

	order = nil
	r.Publish(2)
	if len(order) != 1 || order[0] != "b" {
		t.Errorf("after unsubscribe: got %v, want [b]", order)
	}
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	logger, hook := test.NewNullLogger()
	r := pubsub.NewRegistry[string]("strings", logger)

	panics := 0
	r.SetPanicHook(func() { panics++ })

	var got []string
	r.Subscribe(func(string) { panic("boom") })
	r.Subscribe(func(v string) { got = append(got, v) })

	r.Publish("x")
	r.Publish("y")

	if len(got) != 2 {
		t.Fatalf("healthy subscriber: got %v, want [x y]", got)
	}
	if panics != 2 {
		t.Errorf("panic hook: got %d calls, want 2", panics)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected an error log entry, got %+v", entry)
	}
	if entry.Data["registry"] != "strings" {
		t.Errorf("registry field: got %v, want strings", entry.Data["registry"])
	}
}

func TestSubscribeWithInitial(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := pubsub.NewRegistry[int]("ints", logger)

	var got []int
	r.SubscribeWithInitial(func(v int) { got = append(got, v) }, func() int { return 7 })
	r.Publish(8)

	if len(got) != 2 || got[0] != 7 || got[1] != 8 {
		t.Errorf("got %v, want [7 8]", got)
	}
}
