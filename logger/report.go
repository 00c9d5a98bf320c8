package logger

import (
	"context"
	"sync/atomic"
	"time"
)

var (
	fetchErrors  int64
	storeErrors  int64
	otherErrors  int64
	totalWarns   int64
	recordsRead  int64
	recordsWrite int64
)

func recordWarn(string) {
	atomic.AddInt64(&totalWarns, 1)
}

func recordError(component string) {
	switch component {
	case "fetcher", "binance_client", "bybit_client":
		atomic.AddInt64(&fetchErrors, 1)
	case "store", "s3_mirror":
		atomic.AddInt64(&storeErrors, 1)
	default:
		atomic.AddInt64(&otherErrors, 1)
	}
}

// IncrementRecordsRead tracks records loaded from the partition store.
func IncrementRecordsRead(n int) {
	atomic.AddInt64(&recordsRead, int64(n))
}

// IncrementRecordsWritten tracks records committed to the partition store.
func IncrementRecordsWritten(n int) {
	atomic.AddInt64(&recordsWrite, int64(n))
}

// StartReport periodically emits aggregated error and throughput counters.
// It returns immediately; the reporting goroutine stops when ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l := log.WithComponent("report")
				l.LogMetric("report", "fetch_errors", atomic.LoadInt64(&fetchErrors), "counter", nil)
				l.LogMetric("report", "store_errors", atomic.LoadInt64(&storeErrors), "counter", nil)
				l.LogMetric("report", "warnings", atomic.LoadInt64(&totalWarns), "counter", nil)
				l.LogMetric("report", "records_read", atomic.LoadInt64(&recordsRead), "counter", nil)
				l.LogMetric("report", "records_written", atomic.LoadInt64(&recordsWrite), "counter", nil)
			}
		}
	}()
}
