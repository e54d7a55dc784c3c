package models

import (
	"time"
)

type ConversionStatus string

const (
	ConversionCompleted ConversionStatus = "completed"
	ConversionPending   ConversionStatus = "pending"
	ConversionFailed    ConversionStatus = "failed"
)

type ConversionRecord struct {
	ID         string           `json:"id"`
	FromSymbol string           `json:"from_symbol"`
	ToSymbol   string           `json:"to_symbol"`
	FromAmount float64          `json:"from_amount"`
	ToAmount   float64          `json:"to_amount"`
	Rate       float64          `json:"rate"`
	Timestamp  time.Time        `json:"timestamp"`
	Status     ConversionStatus `json:"status"`
}
