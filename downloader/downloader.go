// Package downloader is the top-level engine: it plans fetch windows,
// consults the partition store to skip work already done, dispatches the
// remaining windows across a bounded worker pool sharing one rate limiter,
// and commits normalized results with correct completeness metadata.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"histflow/config"
	"histflow/exchange"
	"histflow/fetcher"
	"histflow/logger"
	"histflow/models"
	"histflow/planner"
	"histflow/processor"
	"histflow/store"
)

// Options carries per-data-type request parameters.
type Options struct {
	Timeframe string
}

// Request describes one download batch.
type Request struct {
	DataTypes []models.DataType
	Symbols   []string
	Start     time.Time
	End       time.Time
	Options   map[models.DataType]Options
}

// WindowFailure records a window that could not be fetched or committed.
type WindowFailure struct {
	DataType  models.DataType
	SubTypeID string
	Symbol    string
	Window    models.Window
	Err       error
}

// WindowWarning flags a window whose result needs operator attention, e.g. a
// past window the exchange returned no data for.
type WindowWarning struct {
	DataType  models.DataType
	SubTypeID string
	Symbol    string
	Window    models.Window
	Reason    string
}

// Summary reports the outcome of one download batch. Failures are recorded
// here rather than aborting the batch.
type Summary struct {
	JobID    string
	Fetched  int
	Skipped  int
	Empty    int
	Failed   int
	Warnings []WindowWarning
	Failures []WindowFailure
}

// Downloader orchestrates incremental fetch-and-cache runs against one
// exchange client and one partition store.
type Downloader struct {
	cfg     *config.Config
	client  exchange.Client
	store   *store.Store
	fetcher *fetcher.Fetcher
	log     *logger.Log
	now     func() time.Time
	locks   keyedLocks
}

// New builds a Downloader with a limiter derived from the configuration.
func New(cfg *config.Config, client exchange.Client, st *store.Store) *Downloader {
	limiter := rate.NewLimiter(
		rate.Limit(cfg.Download.RateLimit.RequestsPerSecond),
		cfg.Download.RateLimit.BurstSize,
	)
	return NewWithLimiter(cfg, client, st, limiter)
}

// NewWithLimiter builds a Downloader around a caller-supplied limiter so
// callers (and tests) can share or substitute the limiter instance.
func NewWithLimiter(cfg *config.Config, client exchange.Client, st *store.Store, limiter *rate.Limiter) *Downloader {
	return &Downloader{
		cfg:     cfg,
		client:  client,
		store:   st,
		fetcher: fetcher.New(client, limiter, cfg.Download),
		log:     logger.GetLogger(),
		now:     time.Now,
	}
}

// Symbols lists the exchange's symbols for a market type.
func (d *Downloader) Symbols(ctx context.Context, marketType string) ([]string, error) {
	return d.client.ListSymbols(ctx, marketType)
}

// Download runs one batch. Window failures are collected in the summary; the
// returned error is non-nil only for invalid requests or cancellation.
func (d *Downloader) Download(ctx context.Context, req Request) (*Summary, error) {
	summary := &Summary{JobID: uuid.New().String()}
	var mu sync.Mutex

	log := d.log.WithComponent("downloader").WithFields(logger.Fields{
		"job_id":   summary.JobID,
		"exchange": d.client.Name(),
	})
	log.WithFields(logger.Fields{
		"data_types": fmt.Sprint(req.DataTypes),
		"symbols":    len(req.Symbols),
		"start":      req.Start.Format(time.RFC3339),
		"end":        req.End.Format(time.RFC3339),
	}).Info("starting download batch")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Download.MaxWorkers)

	for _, dataType := range req.DataTypes {
		subTypeID, err := d.subTypeID(dataType, req.Options)
		if err != nil {
			return nil, err
		}
		span, err := dataType.PartitionSpan(subTypeID)
		if err != nil {
			return nil, err
		}

		for _, symbol := range req.Symbols {
			windows, err := planner.Plan(dataType, subTypeID, req.Start, req.End, d.now())
			if err != nil {
				return nil, err
			}

			for _, w := range windows {
				p := store.Partition{
					Exchange:  d.client.Name(),
					DataType:  dataType,
					SubTypeID: subTypeID,
					Symbol:    symbol,
					Key:       w.Key,
				}

				if d.store.Status(p) == models.PartitionComplete {
					mu.Lock()
					summary.Skipped++
					mu.Unlock()
					continue
				}

				dataType, subTypeID, symbol, w := dataType, subTypeID, symbol, w
				g.Go(func() error {
					// Cancellation: finish nothing new once the context
					// is done; committed partitions stay valid.
					if gctx.Err() != nil {
						return nil
					}
					d.processWindow(gctx, p, dataType, subTypeID, symbol, w, span, summary, &mu)
					return nil
				})
			}
		}
	}

	g.Wait()

	log.WithFields(logger.Fields{
		"fetched": summary.Fetched,
		"skipped": summary.Skipped,
		"empty":   summary.Empty,
		"failed":  summary.Failed,
	}).Info("download batch finished")

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// processWindow fetches, normalizes, and commits one window. The partition
// lock guarantees at most one in-flight fetch-commit per partition.
func (d *Downloader) processWindow(ctx context.Context, p store.Partition, dataType models.DataType, subTypeID, symbol string, w models.Window, span time.Duration, summary *Summary, mu *sync.Mutex) {
	lock := d.locks.get(p)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: an earlier in-flight fetch of the same
	// partition may have completed it.
	status := d.store.Status(p)
	if status == models.PartitionComplete {
		mu.Lock()
		summary.Skipped++
		mu.Unlock()
		return
	}

	records, err := d.fetcher.FetchWindow(ctx, dataType, subTypeID, symbol, w)
	if err != nil {
		d.log.WithComponent("downloader").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
			"window": w.Key,
		}).Error("window fetch failed")
		mu.Lock()
		summary.Failed++
		summary.Failures = append(summary.Failures, WindowFailure{
			DataType: dataType, SubTypeID: subTypeID, Symbol: symbol, Window: w, Err: err,
		})
		mu.Unlock()
		return
	}

	records = processor.Normalize(records, w)

	var prior []models.Record
	if status == models.PartitionIncomplete {
		existing, err := d.store.Read(p)
		switch {
		case err == nil:
			prior = existing
		case !errors.Is(err, store.ErrNotFound):
			d.log.WithComponent("downloader").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
				"window": w.Key,
			}).Warn("failed to read prior incomplete partition, replacing it")
		}
	}

	// Completeness is judged at commit time: a window whose end is still
	// inside the safety margin may gain more data and must stay
	// re-fetchable, and a window truncated short of its partition boundary
	// never covers the whole partition.
	complete := w.End.Sub(w.Start) == span &&
		w.End.Before(d.now().Add(-d.cfg.Download.SafetyMargin))

	if len(records) == 0 && len(prior) == 0 {
		mu.Lock()
		summary.Empty++
		if complete {
			// The exchange served nothing for a window that has fully
			// elapsed. Report it instead of caching a false absence.
			summary.Warnings = append(summary.Warnings, WindowWarning{
				DataType: dataType, SubTypeID: subTypeID, Symbol: symbol, Window: w,
				Reason: "no data returned for an elapsed window, possibly out of the exchange's retention range",
			})
		}
		mu.Unlock()
		return
	}

	if len(prior) > 0 {
		records = processor.Dedup(prior, records)
	}

	if err := d.store.Write(ctx, p, records, complete); err != nil {
		d.log.WithComponent("downloader").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
			"window": w.Key,
		}).Error("partition commit failed")
		mu.Lock()
		summary.Failed++
		summary.Failures = append(summary.Failures, WindowFailure{
			DataType: dataType, SubTypeID: subTypeID, Symbol: symbol, Window: w, Err: err,
		})
		mu.Unlock()
		return
	}

	mu.Lock()
	summary.Fetched++
	mu.Unlock()
}

// LoadData reads all persisted records overlapping [start, end) for the
// given symbols, merged, deduplicated, and sorted ascending by timestamp.
func (d *Downloader) LoadData(ctx context.Context, dataType models.DataType, subTypeID string, symbols []string, start, end time.Time) ([]models.Record, error) {
	windows, err := planner.Plan(dataType, subTypeID, start, end, d.now())
	if err != nil {
		return nil, err
	}

	bounds := models.Window{Start: start.UTC(), End: end.UTC()}
	var all []models.Record
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, w := range windows {
			p := store.Partition{
				Exchange:  d.client.Name(),
				DataType:  dataType,
				SubTypeID: subTypeID,
				Symbol:    symbol,
				Key:       w.Key,
			}
			records, err := d.store.Read(p)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			all = append(all, processor.Clip(records, bounds)...)
		}
	}

	return processor.Dedup(nil, all), nil
}

func (d *Downloader) subTypeID(dataType models.DataType, options map[models.DataType]Options) (string, error) {
	if !dataType.Valid() {
		return "", fmt.Errorf("unknown data type %q", dataType)
	}
	sub := options[dataType].Timeframe
	if dataType == models.DataTypeCandles && sub == "" {
		sub = "1m"
	}
	if err := dataType.ValidateSubType(sub); err != nil {
		return "", err
	}
	return sub, nil
}

// keyedLocks shards per-partition mutexes so distinct partitions proceed in
// parallel while the same partition is single-writer.
type keyedLocks struct {
	shards [64]sync.Mutex
}

func (k *keyedLocks) get(p store.Partition) *sync.Mutex {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", p.Exchange, p.DataType, p.SubTypeID, p.Symbol, p.Key)
	return &k.shards[h.Sum32()%uint32(len(k.shards))]
}
