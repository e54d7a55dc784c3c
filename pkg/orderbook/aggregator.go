// Package orderbook turns raw depth messages into renderable, depth-annotated
// level lists.
package orderbook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/pubsub"
	"github.com/sirupsen/logrus"
)

// Mode selects how a depth message is applied.
//
// ModeReplace treats every message as the full visible book. ModeIncremental
// keeps a per-symbol book: snapshot messages reset it, diff messages upsert by
// price level and a zero size removes the level.
type Mode string

const (
	ModeReplace     Mode = "replace"
	ModeIncremental Mode = "incremental"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReplace, "":
		return ModeReplace, nil
	case ModeIncremental:
		return ModeIncremental, nil
	}
	return "", fmt.Errorf("unknown order book mode %q", s)
}

// BookSource is the depth side of the feed client.
type BookSource interface {
	OnOrderBookUpdate(cb func(models.BookDelta)) func()
}

type book struct {
	bids map[float64]float64
	asks map[float64]float64
}

type Aggregator struct {
	mode   Mode
	depth  int
	logger *logrus.Logger

	mu    sync.RWMutex
	books map[string]*book
	views map[string]models.OrderBook

	subs *pubsub.Registry[models.OrderBook]
}

// New creates an aggregator. depth caps the levels kept per side; 0 keeps all.
func New(mode Mode, depth int, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		mode:   mode,
		depth:  depth,
		logger: logger,
		books:  make(map[string]*book),
		views:  make(map[string]models.OrderBook),
		subs:   pubsub.NewRegistry[models.OrderBook]("orderbook_view", logger),
	}
}

// Attach feeds every depth message from src into the aggregator.
func (a *Aggregator) Attach(src BookSource) func() {
	return src.OnOrderBookUpdate(func(d models.BookDelta) {
		a.Apply(d)
	})
}

// Apply rebuilds the view for delta.Symbol and publishes it.
func (a *Aggregator) Apply(delta models.BookDelta) models.OrderBook {
	a.mu.Lock()
	var bids, asks []models.PriceLevel
	switch a.mode {
	case ModeIncremental:
		b, ok := a.books[delta.Symbol]
		if !ok || delta.Snapshot {
			b = &book{bids: make(map[float64]float64), asks: make(map[float64]float64)}
			a.books[delta.Symbol] = b
		}
		upsert(b.bids, delta.Bids)
		upsert(b.asks, delta.Asks)
		bids, asks = flatten(b.bids), flatten(b.asks)
	default:
		bids, asks = delta.Bids, delta.Asks
	}

	ts := delta.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	view := models.OrderBook{
		Symbol:    delta.Symbol,
		Bids:      BuildLevels(bids, true, a.depth),
		Asks:      BuildLevels(asks, false, a.depth),
		Timestamp: ts,
	}
	a.views[delta.Symbol] = view
	a.mu.Unlock()

	a.subs.Publish(view)
	return view
}

// Book returns the latest view for symbol.
func (a *Aggregator) Book(symbol string) (models.OrderBook, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.views[symbol]
	return v, ok
}

func upsert(side map[float64]float64, levels []models.PriceLevel) {
	for _, l := range levels {
		if l.Size == 0 {
			delete(side, l.Price)
			continue
		}
		side[l.Price] = l.Size
	}
}

func flatten(side map[float64]float64) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(side))
	for p, s := range side {
		out = append(out, models.PriceLevel{Price: p, Size: s})
	}
	return out
}

// BuildLevels orders levels best-first (bids descending, asks ascending),
// drops empty levels, truncates to depth and annotates each level i of N with
// notional = price*size and relativeDepth = 1 - i/N.
func BuildLevels(raw []models.PriceLevel, descending bool, depth int) []models.OrderBookLevel {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if l.Size > 0 {
			levels = append(levels, l)
		}
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}

	n := float64(len(levels))
	out := make([]models.OrderBookLevel, len(levels))
	for i, l := range levels {
		out[i] = models.OrderBookLevel{
			Price:         l.Price,
			Size:          l.Size,
			Notional:      l.Price * l.Size,
			RelativeDepth: 1 - float64(i)/n,
		}
	}
	return out
}
