package trader_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/papertrade/internal/testutil"
	"github.com/gregtusar/papertrade/pkg/conversion"
	"github.com/gregtusar/papertrade/pkg/ledger"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/orderbook"
	"github.com/gregtusar/papertrade/pkg/trader"
	"github.com/sirupsen/logrus/hooks/test"
)

type countingRunner struct {
	mu    sync.Mutex
	runs  int
	ended chan struct{}
}

func (r *countingRunner) Run(ctx context.Context, interval time.Duration) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	<-ctx.Done()
	close(r.ended)
}

func newSimulator(t *testing.T) (*trader.Simulator, *testutil.FakeFeed, *countingRunner) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	feed := testutil.NewFakeFeed("USDT", logger)
	l := ledger.New(ledger.Config{Quote: "USDT", Tokens: []string{"BTC"}, StartingBalance: 10000}, feed, logger, nil)
	books := orderbook.New(orderbook.ModeReplace, 20, logger)
	conv := conversion.New(l, feed, "USDT", models.AccountTrading, logger, nil)
	runner := &countingRunner{ended: make(chan struct{})}

	sim := trader.NewSimulator(feed, runner, l, books, conv, trader.Options{SummaryInterval: time.Hour}, logger)
	return sim, feed, runner
}

func TestSimulatorMarksPositionsFromFeed(t *testing.T) {
	sim, feed, _ := newSimulator(t)
	feed.SetPrice("BTC", 60000)

	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sim.Stop()

	pos, err := sim.OpenPosition("BTC", models.SideLong, 0.1, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.EntryPrice != 60000 {
		t.Errorf("entry: got %v, want 60000", pos.EntryPrice)
	}

	feed.SetPrice("BTC", 66000)
	marked, _ := sim.Ledger().Position(pos.ID)
	if math.Abs(marked.UnrealizedPnL-600) > 1e-6 {
		t.Errorf("pnl: got %v, want 600", marked.UnrealizedPnL)
	}
	if sim.ConnectionState() != models.ConnectionSubscribed {
		t.Errorf("state: got %s, want subscribed", sim.ConnectionState())
	}
}

func TestSimulatorFeedsOrderBooks(t *testing.T) {
	sim, feed, _ := newSimulator(t)
	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sim.Stop()

	feed.PushBook(models.BookDelta{Symbol: "BTC", Bids: []models.PriceLevel{{Price: 100, Size: 1}}})
	if _, ok := sim.Books().Book("BTC"); !ok {
		t.Error("book was not aggregated")
	}
}

func TestSimulatorOpenUnpricedSymbol(t *testing.T) {
	sim, _, _ := newSimulator(t)
	if _, err := sim.OpenPosition("BTC", models.SideShort, 1, 2); !errors.Is(err, conversion.ErrUnknownSymbol) {
		t.Errorf("got %v, want ErrUnknownSymbol", err)
	}
}

func TestSimulatorStartStop(t *testing.T) {
	sim, feed, runner := newSimulator(t)
	feed.FailConnect(errors.New("refused"))

	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("start with failing feed should not error: %v", err)
	}
	if err := sim.Start(context.Background()); err == nil {
		t.Error("second start should fail")
	}

	sim.Stop()
	sim.Stop()

	select {
	case <-runner.ended:
	case <-time.After(time.Second):
		t.Fatal("snapshot runner not stopped")
	}
	if connects, disconnects := feed.Calls(); connects != 1 || disconnects != 1 {
		t.Errorf("feed calls: got %d connects %d disconnects, want 1 and 1", connects, disconnects)
	}
}
