// Package fetcher performs rate-limited paginated retrieval of one window's
// records from an exchange client. All concurrent fetchers share a single
// limiter so the total request rate stays under the exchange's limit
// regardless of worker count.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"histflow/config"
	"histflow/exchange"
	"histflow/logger"
	"histflow/models"
)

// FetchError reports that one window could not be fetched after retries. The
// orchestrator records it and leaves any prior on-disk state untouched.
type FetchError struct {
	Symbol string
	Window models.Window
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s window %s: %v", e.Symbol, e.Window.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher pulls complete windows of records through the injected client.
type Fetcher struct {
	client    exchange.Client
	limiter   *rate.Limiter
	retry     config.RetryConfig
	timeout   time.Duration
	pageLimit int
	log       *logger.Log
}

// New creates a Fetcher. The limiter is shared: the caller passes the same
// instance to every component that talks to the exchange.
func New(client exchange.Client, limiter *rate.Limiter, cfg config.DownloadConfig) *Fetcher {
	return &Fetcher{
		client:    client,
		limiter:   limiter,
		retry:     cfg.Retry,
		timeout:   cfg.Timeout,
		pageLimit: cfg.PageLimit,
		log:       logger.GetLogger(),
	}
}

// FetchWindow retrieves all records for the window by walking a timestamp
// cursor across it. The cursor advances past the last record of each page;
// data types with span-bounded pages (trades) skip empty sub-windows instead
// of stopping on them.
func (f *Fetcher) FetchWindow(ctx context.Context, dataType models.DataType, subTypeID, symbol string, w models.Window) ([]models.Record, error) {
	log := f.log.WithComponent("fetcher").WithFields(logger.Fields{
		"exchange":  f.client.Name(),
		"data_type": dataType,
		"symbol":    symbol,
		"window":    w.Key,
	})

	var timeframe time.Duration
	if dataType == models.DataTypeCandles {
		tf, err := models.ParseTimeframe(subTypeID)
		if err != nil {
			return nil, &FetchError{Symbol: symbol, Window: w, Err: err}
		}
		timeframe = tf
	}

	pageSpan := dataType.PageSpan()
	cursor := w.Start
	var records []models.Record
	pages := 0

	for cursor.Before(w.End) {
		limit := f.pageLimit
		if timeframe > 0 {
			if remaining := int(w.End.Sub(cursor)/timeframe) + 1; remaining < limit {
				limit = remaining
			}
		}

		page, err := f.fetchPage(ctx, exchange.PageRequest{
			DataType:  dataType,
			SubTypeID: subTypeID,
			Symbol:    symbol,
			Since:     cursor,
			Limit:     limit,
		})
		if err != nil {
			return nil, &FetchError{Symbol: symbol, Window: w, Err: err}
		}
		pages++

		if len(page) == 0 {
			if pageSpan > 0 {
				// Empty sub-window; advance and keep walking.
				cursor = cursor.Add(pageSpan)
				continue
			}
			break
		}

		records = append(records, page...)
		next := page[len(page)-1].Timestamp.Add(time.Millisecond)

		if len(page) < limit {
			if pageSpan == 0 {
				// Short page with unbounded span: the exchange has no
				// more data in this window.
				break
			}
			// Sub-window exhausted; jump to its end.
			if end := cursor.Add(pageSpan); end.After(next) {
				next = end
			}
		}

		if !next.After(cursor) {
			break
		}
		cursor = next
	}

	log.WithFields(logger.Fields{
		"pages":        pages,
		"record_count": len(records),
	}).Debug("window fetched")

	return records, nil
}

// fetchPage issues one page request under the shared limiter, retrying
// transient failures with exponential backoff and jitter.
func (f *Fetcher) fetchPage(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	b := &backoff.Backoff{
		Min:    f.retry.BaseDelay,
		Max:    f.retry.MaxDelay,
		Factor: f.retry.BackoffMultiplier,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		pageCtx, cancel := context.WithTimeout(ctx, f.timeout)
		page, err := f.client.FetchPage(pageCtx, req)
		cancel()
		if err == nil {
			return page, nil
		}
		if errors.Is(err, exchange.ErrUnsupported) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= f.retry.MaxAttempts {
			return nil, fmt.Errorf("exhausted %d attempts: %w", attempt, err)
		}

		delay := b.Duration()
		f.log.WithComponent("fetcher").WithError(err).WithFields(logger.Fields{
			"exchange": f.client.Name(),
			"symbol":   req.Symbol,
			"attempt":  attempt,
			"delay":    delay.String(),
		}).Warn("page fetch failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
