// Package exchange defines the remote API capability the download engine
// consumes: list symbols and fetch one page of records for a (symbol, data
// type, cursor) triple. Concrete clients live in the sub-packages.
package exchange

import (
	"context"
	"errors"
	"time"

	"histflow/models"
)

// ErrRateLimited signals that the remote API rejected a request for exceeding
// its rate limit. The fetcher backs off and retries; it is never surfaced to
// callers unless retries exhaust.
var ErrRateLimited = errors.New("rate limited by exchange")

// ErrUnsupported signals that the client cannot serve the requested data type
// at all (as opposed to a transient failure).
var ErrUnsupported = errors.New("data type not supported by exchange")

// PageRequest asks for one page of records at or after Since.
type PageRequest struct {
	DataType  models.DataType
	SubTypeID string
	Symbol    string
	Since     time.Time
	Limit     int
}

// Client is the injected API capability. Implementations translate raw
// exchange payloads into canonical records; ordering within a page follows
// the exchange's timestamp order ascending.
type Client interface {
	Name() string
	ListSymbols(ctx context.Context, marketType string) ([]string, error)
	FetchPage(ctx context.Context, req PageRequest) ([]models.Record, error)
}
