package feed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/papertrade/internal/observability"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/pubsub"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var ErrClosed = errors.New("feed client disconnected")

type Config struct {
	URL              string
	Quote            string
	Symbols          []string
	DepthLevels      int
	Backoff          Backoff
	HandshakeTimeout time.Duration
}

// Client owns the streaming connection to the market-data provider, the tick
// store it feeds, and the subscriber registries for prices, book deltas and
// connection state.
type Client struct {
	cfg     Config
	norm    *Normalizer
	dialer  *websocket.Dialer
	logger  *logrus.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     uint64
	state   models.ConnectionState
	attempt int
	closed  bool
	timer   *time.Timer
	rng     *rand.Rand

	// ingestMu keeps store updates and their publication in the same order.
	ingestMu sync.Mutex
	storeMu  sync.RWMutex
	ticks    map[string]models.PriceTick

	priceSubs *pubsub.Registry[models.TickSnapshot]
	bookSubs  *pubsub.Registry[models.BookDelta]
	stateSubs *pubsub.Registry[models.ConnectionState]
}

func NewClient(cfg Config, logger *logrus.Logger, metrics *observability.Metrics) *Client {
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	norm := NewNormalizer(cfg.Quote, cfg.Symbols)
	c := &Client{
		cfg:     cfg,
		norm:    norm,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:  logger,
		metrics: metrics,
		state:   models.ConnectionDisconnected,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		ticks: map[string]models.PriceTick{
			norm.Quote(): {Symbol: norm.Quote(), Price: 1, UpdatedAt: time.Now()},
		},
		priceSubs: pubsub.NewRegistry[models.TickSnapshot]("prices", logger),
		bookSubs:  pubsub.NewRegistry[models.BookDelta]("orderbook", logger),
		stateSubs: pubsub.NewRegistry[models.ConnectionState]("connection_state", logger),
	}

	c.priceSubs.SetPanicHook(func() { metrics.SubscriberPanics.WithLabelValues("prices").Inc() })
	c.bookSubs.SetPanicHook(func() { metrics.SubscriberPanics.WithLabelValues("orderbook").Inc() })
	c.stateSubs.SetPanicHook(func() { metrics.SubscriberPanics.WithLabelValues("connection_state").Inc() })
	c.recordState(models.ConnectionDisconnected)

	return c
}

func (c *Client) Normalizer() *Normalizer { return c.norm }

// Connect dials the feed and subscribes to the whole symbol universe. It
// resets the retry budget, so it also revives a client in the Failed state.
// A failed dial schedules background retries and returns the dial error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == models.ConnectionSubscribed && c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.attempt = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect closes the connection and cancels any pending reconnect. No
// reconnect fires afterwards until Connect is called again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		conn.Close()
	}
	c.setState(models.ConnectionDisconnected)
	c.logger.Info("Feed disconnected")
}

func (c *Client) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	live := c.conn != nil
	c.mu.Unlock()
	if !live {
		c.setState(models.ConnectionConnecting)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		err = fmt.Errorf("failed to connect to feed: %w", err)
		c.scheduleReconnect(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.setState(models.ConnectionDisconnected)
		return ErrClosed
	}
	// A newer dial supersedes any connection an overlapping dial installed.
	prev := c.conn
	c.gen++
	gen := c.gen
	c.conn = conn
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	sub := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: c.norm.Streams(c.cfg.DepthLevels),
		ID:     1,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		if !c.current(gen) {
			return c.supersededResult()
		}
		err = fmt.Errorf("failed to subscribe: %w", err)
		c.dropConnection(gen, err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.supersededResult()
	}
	c.attempt = 0
	c.mu.Unlock()
	c.setState(models.ConnectionSubscribed)

	c.logger.WithFields(logrus.Fields{
		"url":     c.cfg.URL,
		"streams": len(sub.Params),
	}).Info("Feed subscribed")

	done := make(chan struct{})
	go c.readLoop(conn, gen, done)
	go c.pingLoop(conn, done)

	return nil
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(gen, err)
			return
		}
		if !c.current(gen) {
			return
		}
		// Any frame proves liveness; the provider does not always answer pings.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(raw)
	}
}

// supersededResult is what a dial returns once its connection was replaced:
// nothing is wrong unless the client was disconnected meanwhile.
func (c *Client) supersededResult() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// current reports whether gen still identifies the live connection.
func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.gen == gen
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.WithError(err).Debug("Failed to send ping")
				return
			}
		}
	}
}

// dropConnection handles an unexpected loss of the connection identified by
// gen. Losses of superseded connections are ignored.
func (c *Client) dropConnection(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.logger.WithError(cause).Warn("Feed connection lost")
	c.scheduleReconnect(cause)
}

func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.setState(models.ConnectionDisconnected)
		return
	}
	if c.conn != nil {
		// An overlapping dial already holds a live connection.
		c.mu.Unlock()
		return
	}
	if c.cfg.Backoff.Exhausted(c.attempt) {
		attempts := c.attempt
		c.mu.Unlock()
		c.setState(models.ConnectionFailed)
		c.logger.WithError(cause).WithField("attempts", attempts).Error("Feed reconnect attempts exhausted, giving up")
		return
	}
	delay := c.cfg.Backoff.DelayWithJitter(c.attempt, c.rng)
	c.attempt++
	attempt := c.attempt
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.metrics.FeedReconnects.Inc()
	c.setState(models.ConnectionConnecting)
	c.logger.WithError(cause).WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Warn("Scheduling feed reconnect")
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()
	if err := c.dial(ctx); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.WithError(err).Debug("Feed reconnect attempt failed")
	}
}

func (c *Client) setState(s models.ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.recordState(s)
	c.stateSubs.Publish(s)
}

func (c *Client) recordState(current models.ConnectionState) {
	for _, s := range []models.ConnectionState{
		models.ConnectionDisconnected,
		models.ConnectionConnecting,
		models.ConnectionSubscribed,
		models.ConnectionFailed,
	} {
		v := 0.0
		if s == current {
			v = 1
		}
		c.metrics.FeedState.WithLabelValues(string(s)).Set(v)
	}
}

func (c *Client) handleMessage(raw []byte) {
	msg, err := c.norm.Parse(raw)
	if err != nil {
		c.metrics.FeedMalformed.Inc()
		c.logger.WithError(err).Warn("Dropping malformed feed message")
		return
	}

	if msg.Skipped > 0 {
		c.metrics.FeedMalformed.Add(float64(msg.Skipped))
		c.logger.WithField("skipped", msg.Skipped).Warn("Dropping malformed rows from ticker batch")
	}

	switch msg.Kind {
	case MessageTicker:
		c.metrics.FeedMessages.WithLabelValues("ticker").Inc()
		c.ingest(func(store map[string]models.PriceTick) {
			for _, t := range msg.Ticks {
				cur := store[t.Symbol]
				cur.Symbol = t.Symbol
				cur.Price = t.Price
				cur.UpdatedAt = t.UpdatedAt
				store[t.Symbol] = cur
			}
		})
	case MessageBook:
		c.metrics.FeedMessages.WithLabelValues("depth").Inc()
		c.bookSubs.Publish(*msg.Book)
	default:
		c.metrics.FeedMessages.WithLabelValues("control").Inc()
	}
}

// MergeStats folds 24h statistics into the tick store. Live prices are kept;
// a stat's price is only used for symbols the stream has not priced yet.
func (c *Client) MergeStats(stats []models.PriceTick) {
	c.ingest(func(store map[string]models.PriceTick) {
		for _, s := range stats {
			if s.Symbol == c.norm.Quote() {
				continue
			}
			cur, ok := store[s.Symbol]
			cur.Symbol = s.Symbol
			cur.PercentChange24h = s.PercentChange24h
			cur.Volume24h = s.Volume24h
			if !ok || cur.Price <= 0 {
				cur.Price = s.Price
				cur.UpdatedAt = s.UpdatedAt
			}
			store[s.Symbol] = cur
		}
	})
}

func (c *Client) ingest(apply func(map[string]models.PriceTick)) {
	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()

	c.storeMu.Lock()
	apply(c.ticks)
	c.storeMu.Unlock()

	c.priceSubs.Publish(c.Snapshot())
}

// Snapshot returns a copy of the tick store.
func (c *Client) Snapshot() models.TickSnapshot {
	c.storeMu.RLock()
	defer c.storeMu.RUnlock()

	snap := make(models.TickSnapshot, len(c.ticks))
	for k, v := range c.ticks {
		snap[k] = v
	}
	return snap
}

// Price returns the last known price of symbol; the quote currency is 1.
func (c *Client) Price(symbol string) (float64, bool) {
	if symbol == c.norm.Quote() {
		return 1, true
	}
	c.storeMu.RLock()
	defer c.storeMu.RUnlock()

	t, ok := c.ticks[symbol]
	if !ok || t.Price <= 0 {
		return 0, false
	}
	return t.Price, true
}

// OnPriceUpdate delivers the current snapshot immediately, then a fresh
// snapshot after every tick batch.
func (c *Client) OnPriceUpdate(cb func(models.TickSnapshot)) func() {
	return c.priceSubs.SubscribeWithInitial(cb, c.Snapshot)
}

// OnOrderBookUpdate delivers every depth message; there is no initial call.
func (c *Client) OnOrderBookUpdate(cb func(models.BookDelta)) func() {
	return c.bookSubs.Subscribe(cb)
}

// OnStateChange delivers the current connection state, then every change.
func (c *Client) OnStateChange(cb func(models.ConnectionState)) func() {
	return c.stateSubs.SubscribeWithInitial(cb, c.State)
}
