package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/papertrade/pkg/conversion"
	"github.com/gregtusar/papertrade/pkg/ledger"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/orderbook"
	"github.com/sirupsen/logrus"
)

// Feed is the streaming market-data client as the simulator uses it.
type Feed interface {
	Connect(ctx context.Context) error
	Disconnect()
	State() models.ConnectionState
	Snapshot() models.TickSnapshot
	Price(symbol string) (float64, bool)
	OnPriceUpdate(cb func(models.TickSnapshot)) func()
	OnOrderBookUpdate(cb func(models.BookDelta)) func()
	OnStateChange(cb func(models.ConnectionState)) func()
}

// SnapshotRunner refreshes 24h statistics until its context ends.
type SnapshotRunner interface {
	Run(ctx context.Context, interval time.Duration)
}

type Options struct {
	SnapshotInterval time.Duration
	SummaryInterval  time.Duration
}

// Simulator wires the feed into the ledger, the order book aggregator and the
// conversion engine, and owns their shared lifecycle.
type Simulator struct {
	feed      Feed
	snapshots SnapshotRunner
	ledger    *ledger.Ledger
	books     *orderbook.Aggregator
	converter *conversion.Engine
	opts      Options
	logger    *logrus.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	unsubs  []func()
	wg      sync.WaitGroup
}

func NewSimulator(feed Feed, snapshots SnapshotRunner, l *ledger.Ledger, books *orderbook.Aggregator, converter *conversion.Engine, opts Options, logger *logrus.Logger) *Simulator {
	if opts.SummaryInterval == 0 {
		opts.SummaryInterval = 30 * time.Second
	}
	return &Simulator{
		feed:      feed,
		snapshots: snapshots,
		ledger:    l,
		books:     books,
		converter: converter,
		opts:      opts,
		logger:    logger,
	}
}

func (s *Simulator) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *Simulator) Books() *orderbook.Aggregator {
	return s.books
}

func (s *Simulator) Converter() *conversion.Engine {
	return s.converter
}

func (s *Simulator) Feed() Feed {
	return s.feed
}

func (s *Simulator) ConnectionState() models.ConnectionState {
	return s.feed.State()
}

// Start subscribes the consumers to the feed and connects it. A failed first
// dial is not fatal: the feed keeps retrying in the background.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("simulator already running")
	}
	s.logger.Info("Starting simulator")

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.unsubs = append(s.unsubs,
		s.feed.OnPriceUpdate(s.ledger.MarkToMarket),
		s.books.Attach(s.feed),
		s.feed.OnStateChange(func(state models.ConnectionState) {
			s.logger.WithField("state", state).Info("Feed connection state changed")
		}),
	)

	if err := s.feed.Connect(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial feed connection failed, retrying in background")
	}

	if s.snapshots != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.snapshots.Run(ctx, s.opts.SnapshotInterval)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorPortfolio(ctx)
	}()

	return nil
}

// Stop tears everything down; no reconnect fires after it returns.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.logger.Info("Stopping simulator")
	s.running = false
	s.cancel()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.feed.Disconnect()
	for _, u := range unsubs {
		u()
	}
	s.wg.Wait()
}

func (s *Simulator) monitorPortfolio(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logSummary()
		}
	}
}

func (s *Simulator) logSummary() {
	value := s.converter.RefreshPortfolioValue()

	open, unrealized := 0, 0.0
	for _, p := range s.ledger.Positions() {
		if p.Status == models.PositionStatusOpen {
			open++
			unrealized += p.UnrealizedPnL
		}
	}

	s.logger.WithFields(logrus.Fields{
		"feed_state":      s.feed.State(),
		"portfolio_value": value,
		"margin_in_use":   s.ledger.MarginInUse(),
		"open_positions":  open,
		"unrealized_pnl":  unrealized,
	}).Info("Portfolio summary")
}

// OpenPosition opens a position at the current market price.
func (s *Simulator) OpenPosition(symbol string, side models.Side, size float64, leverage int) (models.Position, error) {
	price, ok := s.feed.Price(symbol)
	if !ok {
		return models.Position{}, fmt.Errorf("%w: %s", conversion.ErrUnknownSymbol, symbol)
	}
	return s.ledger.Open(symbol, side, price, size, leverage)
}
