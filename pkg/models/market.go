package models

import (
	"time"
)

// PriceTick is the normalized last-known state of one symbol. Symbol is the
// base token (e.g. "BTC"); prices are quoted in the feed's quote currency.
type PriceTick struct {
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	PercentChange24h float64   `json:"percent_change_24h"`
	Volume24h        float64   `json:"volume_24h"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PriceLevel is a raw price+size entry as it arrives from the feed.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookDelta is one depth message for a symbol. Snapshot is true when the
// provider sent the full visible book rather than a diff.
type BookDelta struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Snapshot  bool         `json:"snapshot"`
	Timestamp time.Time    `json:"timestamp"`
}

type OrderBookLevel struct {
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
	Notional      float64 `json:"notional"`
	RelativeDepth float64 `json:"relative_depth"`
}

// OrderBook is the renderable view of a symbol's book. Asks are ascending by
// price, bids descending.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// ConnectionState is the lifecycle of the streaming feed connection.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionSubscribed   ConnectionState = "subscribed"
	ConnectionFailed       ConnectionState = "failed"
)

// TickSnapshot is a consistent copy of the tick store keyed by symbol.
type TickSnapshot map[string]PriceTick

// Price returns the last known price for symbol.
func (s TickSnapshot) Price(symbol string) (float64, bool) {
	t, ok := s[symbol]
	if !ok || t.Price <= 0 {
		return 0, false
	}
	return t.Price, true
}
