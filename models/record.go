package models

import "time"

// Record is the canonical unit of persisted data. Every record carries a
// timestamp and symbol; the remaining fields depend on the data type that
// produced it (OHLCV for candles, price/amount/side for trades, rate for
// funding). Within one partition (Timestamp, Symbol) pairs are unique.
type Record struct {
	Timestamp time.Time
	Symbol    string

	// Candles
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64

	// Trades
	Price  float64
	Amount float64
	Side   string

	// Funding
	Rate float64
}

// Key returns the dedup key for the record.
func (r Record) Key() RecordKey {
	return RecordKey{Timestamp: r.Timestamp.UnixMilli(), Symbol: r.Symbol}
}

// RecordKey identifies a record within a partition.
type RecordKey struct {
	Timestamp int64
	Symbol    string
}
