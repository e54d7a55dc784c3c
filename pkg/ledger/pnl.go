package ledger

import "github.com/gregtusar/papertrade/pkg/models"

// Margin is the collateral a position reserves: size * entry / leverage.
func Margin(size, entryPrice float64, leverage int) float64 {
	return size * entryPrice / float64(leverage)
}

// ComputePnL marks a position against current. It is a pure function of its
// inputs:
//
//	ratio = (current - entry) / entry   (long)
//	ratio = (entry - current) / entry   (short)
//	pnl   = ratio * margin * leverage
//	pct   = pnl / margin * 100
func ComputePnL(side models.Side, entryPrice, size float64, leverage int, current float64) (pnl, pnlPercent float64) {
	margin := Margin(size, entryPrice, leverage)

	var ratio float64
	if side == models.SideShort {
		ratio = (entryPrice - current) / entryPrice
	} else {
		ratio = (current - entryPrice) / entryPrice
	}

	pnl = ratio * margin * float64(leverage)
	if margin != 0 {
		pnlPercent = pnl / margin * 100
	}
	return pnl, pnlPercent
}
