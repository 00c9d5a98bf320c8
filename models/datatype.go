package models

import (
	"fmt"
	"strconv"
	"time"
)

// DataType identifies the kind of historical market data a partition holds.
type DataType string

const (
	DataTypeCandles DataType = "candles"
	DataTypeTrades  DataType = "trades"
	DataTypeFunding DataType = "funding"
)

// MarketType defines the type of market (e.g., spot, swap).
type MarketType string

const (
	MarketTypeSpot MarketType = "spot"
	MarketTypeSwap MarketType = "swap"
)

// Valid reports whether the data type is one of the supported kinds.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeCandles, DataTypeTrades, DataTypeFunding:
		return true
	}
	return false
}

// ValidateSubType checks the sub-type identifier against the data type.
// Candles require a parseable timeframe; trades and funding carry none.
func (d DataType) ValidateSubType(subTypeID string) error {
	switch d {
	case DataTypeCandles:
		if _, err := ParseTimeframe(subTypeID); err != nil {
			return err
		}
		return nil
	case DataTypeTrades, DataTypeFunding:
		if subTypeID != "" {
			return fmt.Errorf("data type %q does not take a sub-type, got %q", d, subTypeID)
		}
		return nil
	default:
		return fmt.Errorf("unknown data type %q", d)
	}
}

// PartitionSpan returns the partition window size for the data type and
// sub-type. Fine candle timeframes get one-day windows so a window's record
// count stays within a handful of API pages; coarser timeframes span longer.
func (d DataType) PartitionSpan(subTypeID string) (time.Duration, error) {
	const day = 24 * time.Hour

	switch d {
	case DataTypeTrades, DataTypeFunding:
		return day, nil
	case DataTypeCandles:
		tf, err := ParseTimeframe(subTypeID)
		if err != nil {
			return 0, err
		}
		switch {
		case tf <= 5*time.Minute:
			return day, nil
		case tf <= time.Hour:
			return 7 * day, nil
		default:
			return 30 * day, nil
		}
	default:
		return 0, fmt.Errorf("unknown data type %q", d)
	}
}

// PageSpan returns the time range one API page covers for the data type, or
// zero when pages are bounded only by the record limit. Trades are requested
// hour by hour, so an empty page means an empty sub-window rather than the
// end of data.
func (d DataType) PageSpan() time.Duration {
	if d == DataTypeTrades {
		return time.Hour
	}
	return 0
}

// ParseTimeframe converts a candle timeframe identifier such as "1m", "4h"
// or "1d" into a duration.
func ParseTimeframe(timeframe string) (time.Duration, error) {
	if len(timeframe) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}

	unit := timeframe[len(timeframe)-1]
	n, err := strconv.Atoi(timeframe[:len(timeframe)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe unit in %q", timeframe)
	}
}
