package ledger

import (
	"fmt"
	"math"

	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/sirupsen/logrus"
)

func (l *Ledger) Quote() string { return l.cfg.Quote }

// Balance returns the amount of symbol held in account.
func (l *Ledger) Balance(account models.Account, symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account][symbol]
}

// Balances returns every row of account, seeded tokens first.
func (l *Ledger) Balances(account models.Account) ([]models.AccountBalance, error) {
	if !account.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balancesLocked(account), nil
}

// ValidAmount reports whether v is a usable quantity: positive and finite.
// NaN fails every comparison, so it is rejected here too.
func ValidAmount(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// Transfer moves amount of symbol between the trading and funding accounts.
// It fails without side effects when amount exceeds the source balance.
func (l *Ledger) Transfer(from, to models.Account, symbol string, amount float64) error {
	if !from.Valid() || !to.Valid() || from == to {
		l.metrics.LedgerRejected.WithLabelValues("transfer").Inc()
		return fmt.Errorf("%w: transfer %q -> %q", ErrUnknownAccount, from, to)
	}
	if !ValidAmount(amount) {
		l.metrics.LedgerRejected.WithLabelValues("transfer").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}

	err := l.mutate("transfer", func() error {
		src, dst := l.balances[from], l.balances[to]
		if src[symbol] < amount {
			return fmt.Errorf("%w: %s %s balance %.8f < %.8f", ErrInsufficientBalance, from, symbol, src[symbol], amount)
		}
		src[symbol] -= amount
		dst[symbol] += amount
		return nil
	})
	if err != nil {
		return err
	}

	l.logger.WithFields(logrus.Fields{
		"from":   from,
		"to":     to,
		"symbol": symbol,
		"amount": amount,
	}).Info("Transferred balance")
	return nil
}

// Deposit credits the funding account with a mock external deposit.
func (l *Ledger) Deposit(symbol string, amount float64) error {
	if symbol == "" || !ValidAmount(amount) {
		l.metrics.LedgerRejected.WithLabelValues("deposit").Inc()
		return fmt.Errorf("%w: deposit %v %s", ErrInvalidAmount, amount, symbol)
	}
	return l.mutate("deposit", func() error {
		l.balances[models.AccountFunding][symbol] += amount
		return nil
	})
}

// Withdraw debits the funding account, refusing to overdraw it.
func (l *Ledger) Withdraw(symbol string, amount float64) error {
	if symbol == "" || !ValidAmount(amount) {
		l.metrics.LedgerRejected.WithLabelValues("withdraw").Inc()
		return fmt.Errorf("%w: withdraw %v %s", ErrInvalidAmount, amount, symbol)
	}
	return l.mutate("withdraw", func() error {
		funding := l.balances[models.AccountFunding]
		if funding[symbol] < amount {
			return fmt.Errorf("%w: funding %s balance %.8f < %.8f", ErrInsufficientBalance, symbol, funding[symbol], amount)
		}
		funding[symbol] -= amount
		return nil
	})
}

// Swap debits debit of from and credits credit of to within account as one
// step; nothing changes when the debit would overdraw.
func (l *Ledger) Swap(account models.Account, from string, debit float64, to string, credit float64) error {
	if !account.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	if !ValidAmount(debit) || !(credit == 0 || ValidAmount(credit)) {
		l.metrics.LedgerRejected.WithLabelValues("swap").Inc()
		return fmt.Errorf("%w: swap %v %s for %v %s", ErrInvalidAmount, debit, from, credit, to)
	}
	return l.mutate("swap", func() error {
		acct := l.balances[account]
		if acct[from] < debit {
			return fmt.Errorf("%w: %s %s balance %.8f < %.8f", ErrInsufficientBalance, account, from, acct[from], debit)
		}
		acct[from] -= debit
		acct[to] += credit
		return nil
	})
}
