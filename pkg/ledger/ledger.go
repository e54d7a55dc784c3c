// Package ledger is the in-memory financial state of the simulated exchange:
// leveraged positions and the trading/funding balances behind them.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/papertrade/internal/observability"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/pubsub"
	"github.com/sirupsen/logrus"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidPosition     = errors.New("invalid position parameters")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnknownAccount      = errors.New("unknown account")

	errUnchanged = errors.New("unchanged")
)

// LossPolicy decides what close credits back when a loss exceeds the margin.
type LossPolicy string

const (
	// LossIsolated caps a position's realized loss at its reserved margin.
	LossIsolated LossPolicy = "isolated"
	// LossCross credits margin+pnl unfloored; the quote balance may go negative.
	LossCross LossPolicy = "cross"
)

func ParseLossPolicy(s string) (LossPolicy, error) {
	switch LossPolicy(s) {
	case LossIsolated, "":
		return LossIsolated, nil
	case LossCross:
		return LossCross, nil
	}
	return "", fmt.Errorf("unknown loss policy %q", s)
}

// PriceSource answers "what is the current price of symbol".
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

type Config struct {
	Quote           string
	Tokens          []string
	StartingBalance float64
	LossPolicy      LossPolicy
}

// Snapshot is the full ledger state handed to change subscribers.
type Snapshot struct {
	User      string                  `json:"user"`
	Balances  []models.AccountBalance `json:"balances"`
	Positions []models.Position       `json:"positions"`
}

type Ledger struct {
	cfg     Config
	prices  PriceSource
	logger  *logrus.Logger
	metrics *observability.Metrics
	now     func() time.Time

	// notifyMu keeps a mutation and the publication of its snapshot together.
	notifyMu sync.Mutex
	mu       sync.Mutex
	user     string
	balances map[models.Account]map[string]float64
	tokens   []string

	positions map[string]*models.Position
	order     []string

	subs *pubsub.Registry[Snapshot]
}

func New(cfg Config, prices PriceSource, logger *logrus.Logger, metrics *observability.Metrics) *Ledger {
	if cfg.LossPolicy == "" {
		cfg.LossPolicy = LossIsolated
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	tokens := []string{cfg.Quote}
	for _, t := range cfg.Tokens {
		if t != cfg.Quote {
			tokens = append(tokens, t)
		}
	}

	l := &Ledger{
		cfg:     cfg,
		prices:  prices,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		tokens:  tokens,
		subs:    pubsub.NewRegistry[Snapshot]("ledger", logger),
	}
	l.subs.SetPanicHook(func() { metrics.SubscriberPanics.WithLabelValues("ledger").Inc() })
	l.resetLocked()
	return l
}

// resetLocked seeds every (account, token) row: the trading account starts
// with StartingBalance of the quote currency, everything else at zero.
func (l *Ledger) resetLocked() {
	l.balances = map[models.Account]map[string]float64{
		models.AccountTrading: {},
		models.AccountFunding: {},
	}
	for _, acct := range l.balances {
		for _, t := range l.tokens {
			acct[t] = 0
		}
	}
	l.balances[models.AccountTrading][l.cfg.Quote] = l.cfg.StartingBalance
	l.positions = make(map[string]*models.Position)
	l.order = nil
	l.metrics.OpenPositions.Set(0)
}

// OnChange delivers the current snapshot, then a new one after every change.
func (l *Ledger) OnChange(cb func(Snapshot)) func() {
	return l.subs.SubscribeWithInitial(cb, l.Snapshot)
}

func (l *Ledger) mutate(op string, fn func() error) error {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	err := fn()
	var snap Snapshot
	if err == nil {
		snap = l.snapshotLocked()
	}
	l.mu.Unlock()

	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		l.metrics.LedgerRejected.WithLabelValues(op).Inc()
		return err
	}
	l.subs.Publish(snap)
	return nil
}

// Login switches the ledger to user. A different user than the current one
// resets balances and positions to the seeded state; it reports whether a
// reset happened.
func (l *Ledger) Login(user string) bool {
	reset := false
	_ = l.mutate("login", func() error {
		if l.user == user {
			return errUnchanged
		}
		l.user = user
		l.resetLocked()
		reset = true
		return nil
	})
	if reset {
		l.logger.WithField("user", user).Info("Ledger reset for new session")
	}
	return reset
}

func (l *Ledger) User() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.user
}

// Open reserves margin from the trading account's quote balance and creates
// an open position.
func (l *Ledger) Open(symbol string, side models.Side, entryPrice, size float64, leverage int) (models.Position, error) {
	if symbol == "" || !side.Valid() || !ValidAmount(entryPrice) || !ValidAmount(size) || leverage < 1 {
		l.metrics.LedgerRejected.WithLabelValues("open").Inc()
		return models.Position{}, fmt.Errorf("%w: symbol=%q side=%q entry=%v size=%v leverage=%d",
			ErrInvalidPosition, symbol, side, entryPrice, size, leverage)
	}

	margin := Margin(size, entryPrice, leverage)
	var pos models.Position
	err := l.mutate("open", func() error {
		trading := l.balances[models.AccountTrading]
		if available := trading[l.cfg.Quote]; margin > available {
			return fmt.Errorf("%w: margin %.8f exceeds %s balance %.8f", ErrInsufficientBalance, margin, l.cfg.Quote, available)
		}
		trading[l.cfg.Quote] -= margin

		p := &models.Position{
			ID:           uuid.New().String(),
			Symbol:       symbol,
			Side:         side,
			EntryPrice:   entryPrice,
			Size:         size,
			Leverage:     leverage,
			MarginAtOpen: margin,
			OpenedAt:     l.now(),
			MarkPrice:    entryPrice,
			Status:       models.PositionStatusOpen,
		}
		l.positions[p.ID] = p
		l.order = append(l.order, p.ID)
		pos = *p
		return nil
	})
	if err != nil {
		return models.Position{}, err
	}

	l.metrics.PositionsOpened.Inc()
	l.metrics.OpenPositions.Inc()
	l.logger.WithFields(logrus.Fields{
		"position_id": pos.ID,
		"symbol":      symbol,
		"side":        side,
		"size":        size,
		"leverage":    leverage,
		"margin":      margin,
	}).Info("Opened position")
	return pos, nil
}

// MarkToMarket recomputes unrealized PnL of every open position from one
// consistent price snapshot. Positions whose symbol has no price are skipped.
func (l *Ledger) MarkToMarket(prices models.TickSnapshot) {
	start := time.Now()
	marked := 0
	_ = l.mutate("mark", func() error {
		for _, id := range l.order {
			p := l.positions[id]
			if p.Status != models.PositionStatusOpen {
				continue
			}
			current, ok := prices.Price(p.Symbol)
			if !ok {
				continue
			}
			p.MarkPrice = current
			p.UnrealizedPnL, p.UnrealizedPnLPercent = ComputePnL(p.Side, p.EntryPrice, p.Size, p.Leverage, current)
			marked++
		}
		if marked == 0 {
			return errUnchanged
		}
		return nil
	})
	if marked > 0 {
		l.metrics.MarkDuration.Observe(time.Since(start).Seconds())
	}
}

// Close realizes a position at the current price and credits margin+pnl to
// the trading quote balance. It is a no-op, returning false, when the
// position is unknown, already closed or its symbol has no price.
func (l *Ledger) Close(id string) (models.Position, bool) {
	var (
		closed models.Position
		ok     bool
		credit float64
	)
	_ = l.mutate("close", func() error {
		p, exists := l.positions[id]
		if !exists || p.Status != models.PositionStatusOpen {
			return errUnchanged
		}
		current, priced := l.prices.Price(p.Symbol)
		if !priced {
			return errUnchanged
		}

		pnl, pct := ComputePnL(p.Side, p.EntryPrice, p.Size, p.Leverage, current)
		if l.cfg.LossPolicy == LossIsolated && pnl < -p.MarginAtOpen {
			pnl, pct = -p.MarginAtOpen, -100
		}
		credit = p.MarginAtOpen + pnl
		l.balances[models.AccountTrading][l.cfg.Quote] += credit

		now := l.now()
		p.MarkPrice = current
		p.UnrealizedPnL = pnl
		p.UnrealizedPnLPercent = pct
		p.Status = models.PositionStatusClosed
		p.ClosedAt = &now

		closed = *p
		ok = true
		return nil
	})
	if !ok {
		return closed, false
	}

	l.metrics.PositionsClosed.Inc()
	l.metrics.OpenPositions.Dec()
	entry := l.logger.WithFields(logrus.Fields{
		"position_id": id,
		"symbol":      closed.Symbol,
		"pnl":         closed.UnrealizedPnL,
		"credit":      credit,
	})
	if bal := l.Balance(models.AccountTrading, l.cfg.Quote); bal < 0 {
		entry.WithField("balance", bal).Warn("Closed position drove quote balance negative")
	} else {
		entry.Info("Closed position")
	}
	return closed, true
}

// Position returns a copy of the position with id.
func (l *Ledger) Position(id string) (models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// Positions returns copies of every position in opening order.
func (l *Ledger) Positions() []models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positionsLocked()
}

func (l *Ledger) positionsLocked() []models.Position {
	out := make([]models.Position, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.positions[id])
	}
	return out
}

// MarginInUse sums the margin reserved by open positions.
func (l *Ledger) MarginInUse() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0.0
	for _, p := range l.positions {
		if p.Status == models.PositionStatusOpen {
			total += p.MarginAtOpen
		}
	}
	return total
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	return Snapshot{
		User:      l.user,
		Balances:  append(l.balancesLocked(models.AccountTrading), l.balancesLocked(models.AccountFunding)...),
		Positions: l.positionsLocked(),
	}
}

func (l *Ledger) balancesLocked(account models.Account) []models.AccountBalance {
	acct := l.balances[account]
	seen := make(map[string]bool, len(acct))
	out := make([]models.AccountBalance, 0, len(acct))
	for _, t := range l.tokens {
		seen[t] = true
		out = append(out, models.AccountBalance{Account: account, Symbol: t, Amount: acct[t]})
	}

	var extra []string
	for t := range acct {
		if !seen[t] {
			extra = append(extra, t)
		}
	}
	sort.Strings(extra)
	for _, t := range extra {
		out = append(out, models.AccountBalance{Account: account, Symbol: t, Amount: acct[t]})
	}
	return out
}
