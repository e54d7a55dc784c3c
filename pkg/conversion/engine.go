// Package conversion converts balances between tokens at the market-implied
// cross rate and keeps the audit log of conversions.
package conversion

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/papertrade/internal/observability"
	"github.com/gregtusar/papertrade/pkg/ledger"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrSameSymbol    = errors.New("cannot convert a token into itself")
)

// Balances is the part of the ledger the engine rebalances.
type Balances interface {
	Swap(account models.Account, from string, debit float64, to string, credit float64) error
	Balances(account models.Account) ([]models.AccountBalance, error)
}

type Engine struct {
	balances Balances
	prices   ledger.PriceSource
	quote    string
	account  models.Account
	logger   *logrus.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu             sync.Mutex
	records        []models.ConversionRecord
	portfolioValue float64
}

// New creates an engine converting within account.
func New(balances Balances, prices ledger.PriceSource, quote string, account models.Account, logger *logrus.Logger, metrics *observability.Metrics) *Engine {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	e := &Engine{
		balances: balances,
		prices:   prices,
		quote:    quote,
		account:  account,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
	e.RefreshPortfolioValue()
	return e
}

func (e *Engine) price(symbol string) (float64, error) {
	if symbol == e.quote {
		return 1, nil
	}
	p, ok := e.prices.Price(symbol)
	if !ok || !ledger.ValidAmount(p) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return p, nil
}

// Rate is how many units of to one unit of from buys, crossed through the
// quote currency.
func (e *Engine) Rate(from, to string) (float64, error) {
	if from == to {
		return 0, ErrSameSymbol
	}
	switch {
	case from == e.quote:
		p, err := e.price(to)
		if err != nil {
			return 0, err
		}
		return 1 / p, nil
	case to == e.quote:
		return e.price(from)
	}

	pf, err := e.price(from)
	if err != nil {
		return 0, err
	}
	pt, err := e.price(to)
	if err != nil {
		return 0, err
	}
	return pf / pt, nil
}

// Convert swaps amount of from into to at the current rate and appends a
// completed record. Balances are untouched on any error.
func (e *Engine) Convert(from, to string, amount float64) (models.ConversionRecord, error) {
	if !ledger.ValidAmount(amount) {
		e.metrics.Conversions.WithLabelValues("rejected").Inc()
		return models.ConversionRecord{}, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, amount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rate, err := e.Rate(from, to)
	if err != nil {
		e.metrics.Conversions.WithLabelValues("rejected").Inc()
		return models.ConversionRecord{}, err
	}
	received := amount * rate

	if err := e.balances.Swap(e.account, from, amount, to, received); err != nil {
		e.metrics.Conversions.WithLabelValues("rejected").Inc()
		return models.ConversionRecord{}, fmt.Errorf("convert %s to %s: %w", from, to, err)
	}

	rec := models.ConversionRecord{
		ID:         uuid.New().String(),
		FromSymbol: from,
		ToSymbol:   to,
		FromAmount: amount,
		ToAmount:   received,
		Rate:       rate,
		Timestamp:  e.now(),
		Status:     models.ConversionCompleted,
	}
	e.records = append(e.records, rec)

	// Quote legs are valued at 1, the other leg at its price at conversion
	// time. Conversions between two non-quote tokens leave the cache alone.
	switch e.quote {
	case from:
		pt, _ := e.price(to)
		e.portfolioValue += received*pt - amount
	case to:
		pf, _ := e.price(from)
		e.portfolioValue += received - amount*pf
	}

	e.metrics.Conversions.WithLabelValues(string(rec.Status)).Inc()
	e.logger.WithFields(logrus.Fields{
		"conversion_id": rec.ID,
		"from":          from,
		"to":            to,
		"amount":        amount,
		"received":      received,
		"rate":          rate,
	}).Info("Converted balance")
	return rec, nil
}

// Records returns the conversion log, oldest first.
func (e *Engine) Records() []models.ConversionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ConversionRecord, len(e.records))
	copy(out, e.records)
	return out
}

// PortfolioValue is the cached value of the account in the quote currency as
// of the last RefreshPortfolioValue, adjusted by quote-currency conversions.
func (e *Engine) PortfolioValue() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portfolioValue
}

// RefreshPortfolioValue revalues the account at current prices. Tokens with
// no known price are left out.
func (e *Engine) RefreshPortfolioValue() float64 {
	rows, err := e.balances.Balances(e.account)
	if err != nil {
		e.logger.WithError(err).Error("Failed to read balances for valuation")
		return e.PortfolioValue()
	}

	total := 0.0
	for _, r := range rows {
		if r.Amount == 0 {
			continue
		}
		p, err := e.price(r.Symbol)
		if err != nil {
			continue
		}
		total += r.Amount * p
	}

	e.mu.Lock()
	e.portfolioValue = total
	e.mu.Unlock()
	return total
}
