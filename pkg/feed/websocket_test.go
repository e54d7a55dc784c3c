package feed_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/papertrade/internal/observability"
	"github.com/gregtusar/papertrade/pkg/feed"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
)

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// fakeExchange accepts stream connections, acknowledges the subscription and
// hands each connection to the test. While down it answers every handshake
// with 503; hits counts handshakes that reached it either way.
type fakeExchange struct {
	*httptest.Server
	conns chan *websocket.Conn
	subs  chan subscribeFrame
	down  atomic.Bool
	hits  atomic.Int32
}

func newFakeExchange(t *testing.T) *fakeExchange {
	return newSlowFakeExchange(t, 0)
}

// newSlowFakeExchange waits delay before upgrading each handshake.
func newSlowFakeExchange(t *testing.T, delay time.Duration) *fakeExchange {
	t.Helper()
	fx := &fakeExchange{
		conns: make(chan *websocket.Conn, 16),
		subs:  make(chan subscribeFrame, 16),
	}
	upgrader := websocket.Upgrader{}
	fx.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fx.hits.Add(1)
		if fx.down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		time.Sleep(delay)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			conn.Close()
			return
		}
		fx.subs <- sub
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		fx.conns <- conn
	}))
	t.Cleanup(fx.Close)
	return fx
}

func (fx *fakeExchange) wsURL() string {
	return "ws" + strings.TrimPrefix(fx.URL, "http")
}

func (fx *fakeExchange) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fx.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a feed connection")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func newTestClient(t *testing.T, url string, backoff feed.Backoff) (*feed.Client, *observability.Metrics) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	metrics := observability.NewMetrics()
	c := feed.NewClient(feed.Config{
		URL:         url,
		Quote:       "USDT",
		Symbols:     []string{"BTC", "ETH"},
		DepthLevels: 20,
		Backoff:     backoff,
	}, logger, metrics)
	t.Cleanup(c.Disconnect)
	return c, metrics
}

func fastBackoff(attempts int) feed.Backoff {
	return feed.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: attempts}
}

func waitState(t *testing.T, states <-chan models.ConnectionState, want models.ConnectionState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitSnapshot(t *testing.T, ch <-chan models.TickSnapshot, symbol string) models.TickSnapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if _, ok := snap[symbol]; ok {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s tick", symbol)
			return nil
		}
	}
}

func TestClientSubscribesToUniverse(t *testing.T) {
	fx := newFakeExchange(t)
	c, _ := newTestClient(t, fx.wsURL(), fastBackoff(3))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sub := <-fx.subs
	fx.nextConn(t)

	if sub.Method != "SUBSCRIBE" {
		t.Errorf("method: got %s, want SUBSCRIBE", sub.Method)
	}
	want := map[string]bool{
		"btcusdt@miniTicker": true, "btcusdt@depth20@100ms": true,
		"ethusdt@miniTicker": true, "ethusdt@depth20@100ms": true,
	}
	if len(sub.Params) != len(want) {
		t.Fatalf("params: got %v", sub.Params)
	}
	for _, p := range sub.Params {
		if !want[p] {
			t.Errorf("unexpected stream %s", p)
		}
	}
	if s := c.State(); s != models.ConnectionSubscribed {
		t.Errorf("state: got %s, want subscribed", s)
	}
}

func TestClientDeliversTicksAndIsolatesPanics(t *testing.T) {
	fx := newFakeExchange(t)
	c, metrics := newTestClient(t, fx.wsURL(), fastBackoff(3))

	c.OnPriceUpdate(func(models.TickSnapshot) { panic("bad subscriber") })

	snaps := make(chan models.TickSnapshot, 16)
	c.OnPriceUpdate(func(s models.TickSnapshot) { snaps <- s })

	initial := <-snaps
	if p, ok := initial.Price("USDT"); !ok || p != 1 {
		t.Errorf("initial snapshot should price the quote at 1: got %v %v", p, ok)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := fx.nextConn(t)

	send(t, conn, `not json at all`)
	send(t, conn, `{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","E":1700000000000,"s":"BTCUSDT","c":"61000","o":"60000","v":"10"}}`)

	snap := waitSnapshot(t, snaps, "BTC")
	if p, _ := snap.Price("BTC"); p != 61000 {
		t.Errorf("BTC: got %v, want 61000", p)
	}
	if p, ok := c.Price("BTC"); !ok || p != 61000 {
		t.Errorf("client price: got %v %v", p, ok)
	}
	if _, ok := c.Price("ETH"); ok {
		t.Error("ETH has not been priced yet")
	}

	// A bad row in a batch costs that row only.
	send(t, conn, `[{"e":"24hrMiniTicker","s":"ETHUSDT","c":"abc"},{"e":"24hrMiniTicker","s":"BTCUSDT","c":"62000"}]`)
	deadline := time.After(2 * time.Second)
	for p, _ := snap.Price("BTC"); p != 62000; p, _ = snap.Price("BTC") {
		select {
		case snap = <-snaps:
		case <-deadline:
			t.Fatal("timed out waiting for the batch tick")
		}
	}

	if got := testutil.ToFloat64(metrics.FeedMalformed); got != 2 {
		t.Errorf("malformed counter: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.SubscriberPanics.WithLabelValues("prices")); got < 2 {
		t.Errorf("panic counter: got %v, want at least 2", got)
	}
	if s := c.State(); s != models.ConnectionSubscribed {
		t.Errorf("state after bad frame: got %s, want subscribed", s)
	}
}

func TestClientDeliversBookDeltas(t *testing.T) {
	fx := newFakeExchange(t)
	c, _ := newTestClient(t, fx.wsURL(), fastBackoff(3))

	books := make(chan models.BookDelta, 4)
	c.OnOrderBookUpdate(func(d models.BookDelta) { books <- d })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := fx.nextConn(t)
	send(t, conn, `{"stream":"ethusdt@depth20@100ms","data":{"lastUpdateId":7,"bids":[["3000","2"]],"asks":[["3001","1"]]}}`)

	select {
	case d := <-books:
		if d.Symbol != "ETH" || !d.Snapshot || len(d.Bids) != 1 || len(d.Asks) != 1 {
			t.Errorf("delta: got %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for book delta")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	fx := newFakeExchange(t)
	c, metrics := newTestClient(t, fx.wsURL(), fastBackoff(5))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := fx.nextConn(t)
	first.Close()

	fx.nextConn(t)
	states := make(chan models.ConnectionState, 16)
	c.OnStateChange(func(s models.ConnectionState) { states <- s })
	waitState(t, states, models.ConnectionSubscribed)

	if got := testutil.ToFloat64(metrics.FeedReconnects); got < 1 {
		t.Errorf("reconnect counter: got %v, want at least 1", got)
	}
}

func TestClientFailsAfterExhaustingRetries(t *testing.T) {
	// Nothing listens on a closed test server's address.
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	c, _ := newTestClient(t, url, fastBackoff(2))
	states := make(chan models.ConnectionState, 32)
	c.OnStateChange(func(s models.ConnectionState) { states <- s })

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect to a dead endpoint should fail")
	}
	waitState(t, states, models.ConnectionFailed)

	if s := c.State(); s != models.ConnectionFailed {
		t.Errorf("state: got %s, want failed", s)
	}
}

func TestClientRetryBudgetAndRevival(t *testing.T) {
	const maxAttempts = 3

	fx := newFakeExchange(t)
	fx.down.Store(true)
	c, metrics := newTestClient(t, fx.wsURL(), fastBackoff(maxAttempts))
	states := make(chan models.ConnectionState, 64)
	c.OnStateChange(func(s models.ConnectionState) { states <- s })

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect to an unavailable exchange should fail")
	}
	waitState(t, states, models.ConnectionFailed)

	if got := testutil.ToFloat64(metrics.FeedReconnects); got != maxAttempts {
		t.Errorf("scheduled reconnects: got %v, want %d", got, maxAttempts)
	}
	if got := fx.hits.Load(); got != maxAttempts+1 {
		t.Errorf("handshakes before failing: got %d, want %d", got, maxAttempts+1)
	}

	time.Sleep(50 * time.Millisecond)
	if got := fx.hits.Load(); got != maxAttempts+1 {
		t.Errorf("client kept dialing after failing: %d handshakes", got)
	}

	// An explicit Connect revives the client with a fresh budget.
	fx.down.Store(false)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect after failure: %v", err)
	}
	waitState(t, states, models.ConnectionSubscribed)
	conn := fx.nextConn(t)

	fx.down.Store(true)
	conn.Close()
	waitState(t, states, models.ConnectionFailed)

	if got := testutil.ToFloat64(metrics.FeedReconnects); got != 2*maxAttempts {
		t.Errorf("reconnects after revival: got %v, want %d", got, 2*maxAttempts)
	}
	if got := fx.hits.Load(); got != 2*maxAttempts+2 {
		t.Errorf("handshakes after revival: got %d, want %d", got, 2*maxAttempts+2)
	}
}

func TestOverlappingConnectsKeepOneConnection(t *testing.T) {
	fx := newSlowFakeExchange(t, 100*time.Millisecond)
	c, _ := newTestClient(t, fx.wsURL(), fastBackoff(0))

	var mu sync.Mutex
	var btc []float64
	c.OnPriceUpdate(func(s models.TickSnapshot) {
		if p, ok := s.Price("BTC"); ok {
			mu.Lock()
			btc = append(btc, p)
			mu.Unlock()
		}
	})
	delivered := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(btc)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Connect(context.Background()); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	// Collect every server-side connection that completed a subscription.
	var conns []*websocket.Conn
	collect := time.After(300 * time.Millisecond)
gather:
	for {
		select {
		case conn := <-fx.conns:
			t.Cleanup(func() { conn.Close() })
			conns = append(conns, conn)
		case <-collect:
			break gather
		}
	}
	if len(conns) == 0 {
		t.Fatal("no connection reached the exchange")
	}

	tick := func(price string) string {
		return `{"stream":"btcusdt@miniTicker","data":{"e":"24hrMiniTicker","s":"BTCUSDT","c":"` + price + `"}}`
	}
	for i, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tick(fmt.Sprintf("%d", 100+i))))
	}
	time.Sleep(150 * time.Millisecond)
	if got := delivered(); got != 1 {
		t.Errorf("ticks delivered from %d server connections: got %d, want 1", len(conns), got)
	}

	c.Disconnect()
	before := delivered()
	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tick("12345")))
	}
	time.Sleep(150 * time.Millisecond)
	if got := delivered(); got != before {
		t.Errorf("ticks delivered after Disconnect: %d", got-before)
	}
	if s := c.State(); s != models.ConnectionDisconnected {
		t.Errorf("state: got %s, want disconnected", s)
	}
}

func TestClientDoesNotReconnectAfterDisconnect(t *testing.T) {
	fx := newFakeExchange(t)
	c, _ := newTestClient(t, fx.wsURL(), fastBackoff(0))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fx.nextConn(t)

	c.Disconnect()
	if s := c.State(); s != models.ConnectionDisconnected {
		t.Errorf("state: got %s, want disconnected", s)
	}

	select {
	case <-fx.conns:
		t.Error("client reconnected after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMergeStatsKeepsLivePrice(t *testing.T) {
	c, _ := newTestClient(t, "ws://unused", fastBackoff(1))

	c.MergeStats([]models.PriceTick{{Symbol: "BTC", Price: 60000, PercentChange24h: 2.5, Volume24h: 900}})
	c.MergeStats([]models.PriceTick{{Symbol: "BTC", Price: 1, PercentChange24h: -1, Volume24h: 950}})

	snap := c.Snapshot()
	btc := snap["BTC"]
	if btc.Price != 60000 {
		t.Errorf("price: got %v, want 60000", btc.Price)
	}
	if btc.PercentChange24h != -1 || btc.Volume24h != 950 {
		t.Errorf("24h stats: got %v %v, want -1 950", btc.PercentChange24h, btc.Volume24h)
	}
	if p, _ := c.Price("USDT"); p != 1 {
		t.Errorf("quote price: got %v, want 1", p)
	}
}
