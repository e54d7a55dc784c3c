package models

import (
	"time"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is a simulated leveraged position. PnL fields are marked on every
// tick while open and frozen once the position is closed.
type Position struct {
	ID                   string         `json:"id"`
	Symbol               string         `json:"symbol"`
	Side                 Side           `json:"side"`
	EntryPrice           float64        `json:"entry_price"`
	Size                 float64        `json:"size"`
	Leverage             int            `json:"leverage"`
	MarginAtOpen         float64        `json:"margin_at_open"`
	OpenedAt             time.Time      `json:"opened_at"`
	ClosedAt             *time.Time     `json:"closed_at,omitempty"`
	MarkPrice            float64        `json:"mark_price"`
	UnrealizedPnL        float64        `json:"unrealized_pnl"`
	UnrealizedPnLPercent float64        `json:"unrealized_pnl_percent"`
	Status               PositionStatus `json:"status"`
}

// Account identifies one of a user's sub-ledgers.
type Account string

const (
	AccountTrading Account = "trading"
	AccountFunding Account = "funding"
)

func (a Account) Valid() bool {
	return a == AccountTrading || a == AccountFunding
}

type AccountBalance struct {
	Account Account `json:"account"`
	Symbol  string  `json:"symbol"`
	Amount  float64 `json:"amount"`
}
