package downloader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"histflow/config"
	"histflow/exchange"
	"histflow/models"
	"histflow/store"
)

// fakeExchange serves deterministic candles: one per minute for every
// requested range, bounded by dataEnd.
type fakeExchange struct {
	mu      sync.Mutex
	calls   int
	dataEnd time.Time
	failFor map[string]error // symbol -> error
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) ListSymbols(ctx context.Context, marketType string) ([]string, error) {
	return []string{"BTC/USDT", "ETH/USDT"}, nil
}

func (f *fakeExchange) FetchPage(ctx context.Context, req exchange.PageRequest) ([]models.Record, error) {
	f.mu.Lock()
	f.calls++
	err := f.failFor[req.Symbol]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	cur := req.Since.Truncate(time.Minute)
	if cur.Before(req.Since) {
		cur = cur.Add(time.Minute)
	}
	var page []models.Record
	for len(page) < req.Limit && cur.Before(f.dataEnd) {
		page = append(page, models.Record{
			Timestamp: cur,
			Symbol:    req.Symbol,
			Close:     float64(cur.Unix()),
		})
		cur = cur.Add(time.Minute)
	}
	return page, nil
}

func (f *fakeExchange) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	cfg.Download.MaxWorkers = 4
	cfg.Download.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1e6, BurstSize: 1000}
	cfg.Download.Retry = config.RetryConfig{
		MaxAttempts:       2,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	return &cfg
}

func newTestDownloader(t *testing.T, cfg *config.Config, ex exchange.Client, now time.Time) *Downloader {
	t.Helper()
	st, err := store.New(cfg.Storage)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	d := New(cfg, ex, st)
	d.now = func() time.Time { return now }
	return d
}

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func candleRequest(start, end time.Time, symbols ...string) Request {
	return Request{
		DataTypes: []models.DataType{models.DataTypeCandles},
		Symbols:   symbols,
		Start:     start,
		End:       end,
		Options: map[models.DataType]Options{
			models.DataTypeCandles: {Timeframe: "1m"},
		},
	}
}

func TestDownloadAndSkipOnRerun(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExchange{dataEnd: testNow}
	d := newTestDownloader(t, cfg, ex, testNow)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	req := candleRequest(start, end, "BTC/USDT")

	summary, err := d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if summary.Fetched != 2 {
		t.Errorf("fetched = %d, want 2 daily windows", summary.Fetched)
	}
	if summary.Failed != 0 || summary.Skipped != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	// The full range is in the past, so both partitions are complete and a
	// second run must not touch the exchange at all.
	before := ex.callCount()
	summary, err = d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("second Download failed: %v", err)
	}
	if summary.Skipped != 2 || summary.Fetched != 0 {
		t.Errorf("second run should skip both windows: %+v", summary)
	}
	if got := ex.callCount(); got != before {
		t.Errorf("second run made %d exchange calls", got-before)
	}
}

func TestDownloadMidDayStartCoversFullPartition(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExchange{dataEnd: testNow}
	d := newTestDownloader(t, cfg, ex, testNow)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// Request only the afternoon; the committed partition must still hold
	// the whole day.
	summary, err := d.Download(context.Background(), candleRequest(day.Add(12*time.Hour), day.Add(24*time.Hour), "BTC/USDT"))
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if summary.Fetched != 1 {
		t.Fatalf("fetched = %d, want 1", summary.Fetched)
	}

	before := ex.callCount()
	summary, err = d.Download(context.Background(), candleRequest(day, day.Add(24*time.Hour), "BTC/USDT"))
	if err != nil {
		t.Fatalf("full-day Download failed: %v", err)
	}
	if summary.Skipped != 1 || summary.Fetched != 0 {
		t.Errorf("full-day rerun should skip the cached partition: %+v", summary)
	}
	if got := ex.callCount(); got != before {
		t.Errorf("full-day rerun made %d exchange calls", got-before)
	}

	records, err := d.LoadData(context.Background(), models.DataTypeCandles, "1m", []string{"BTC/USDT"}, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("LoadData failed: %v", err)
	}
	if len(records) != 1440 {
		t.Errorf("loaded %d records, want the full day's 1440", len(records))
	}
}

func TestDownloadRecentWindowStaysIncomplete(t *testing.T) {
	cfg := testConfig(t)
	cfg.Download.SafetyMargin = time.Minute
	ex := &fakeExchange{dataEnd: testNow}
	d := newTestDownloader(t, cfg, ex, testNow)

	// The window covering "today" cannot be complete yet.
	start := testNow.Truncate(24 * time.Hour)
	req := candleRequest(start, testNow, "BTC/USDT")

	if _, err := d.Download(context.Background(), req); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	p := store.Partition{
		Exchange:  "fake",
		DataType:  models.DataTypeCandles,
		SubTypeID: "1m",
		Symbol:    "BTC/USDT",
		Key:       start.Format(models.PartitionKeyFormat),
	}
	st, _ := store.New(cfg.Storage)
	if got := st.Status(p); got != models.PartitionIncomplete {
		t.Fatalf("today's partition status = %v, want incomplete", got)
	}

	// Rerunning after the day has fully elapsed upgrades the partition.
	d.now = func() time.Time { return start.Add(25 * time.Hour) }
	ex.mu.Lock()
	ex.dataEnd = start.Add(24 * time.Hour)
	ex.mu.Unlock()

	req.End = start.Add(24 * time.Hour)
	summary, err := d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("second Download failed: %v", err)
	}
	if summary.Fetched != 1 {
		t.Errorf("incomplete window should be re-fetched: %+v", summary)
	}
	if got := st.Status(p); got != models.PartitionComplete {
		t.Errorf("partition status = %v, want complete after rerun", got)
	}

	records, err := st.Read(p)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	seen := make(map[models.RecordKey]bool, len(records))
	for _, r := range records {
		if seen[r.Key()] {
			t.Fatalf("duplicate record after merge at %v", r.Timestamp)
		}
		seen[r.Key()] = true
	}

	// A third run over the complete partition must not touch the exchange.
	before := ex.callCount()
	summary, err = d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("third Download failed: %v", err)
	}
	if summary.Skipped != 1 || summary.Fetched != 0 {
		t.Errorf("third run summary: %+v", summary)
	}
	if got := ex.callCount(); got != before {
		t.Errorf("third run made %d exchange calls", got-before)
	}
}

func TestDownloadEmptyRefetchKeepsPriorRecords(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExchange{dataEnd: testNow}
	d := newTestDownloader(t, cfg, ex, testNow)

	start := testNow.Truncate(24 * time.Hour)
	req := candleRequest(start, testNow, "BTC/USDT")

	if _, err := d.Download(context.Background(), req); err != nil {
		t.Fatalf("first Download failed: %v", err)
	}

	// The exchange's retention moved past the window: the re-fetch of the
	// now-elapsed day returns nothing, but the records already on disk must
	// be committed complete rather than discarded or warned about.
	ex.mu.Lock()
	ex.dataEnd = start
	ex.mu.Unlock()
	d.now = func() time.Time { return start.Add(25 * time.Hour) }
	req.End = start.Add(24 * time.Hour)

	summary, err := d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("second Download failed: %v", err)
	}
	if summary.Fetched != 1 || summary.Empty != 0 {
		t.Errorf("second run summary: %+v", summary)
	}
	if len(summary.Warnings) != 0 {
		t.Errorf("unexpected warnings: %+v", summary.Warnings)
	}

	st, _ := store.New(cfg.Storage)
	p := store.Partition{
		Exchange:  "fake",
		DataType:  models.DataTypeCandles,
		SubTypeID: "1m",
		Symbol:    "BTC/USDT",
		Key:       start.Format(models.PartitionKeyFormat),
	}
	if got := st.Status(p); got != models.PartitionComplete {
		t.Fatalf("partition status = %v, want complete", got)
	}
	records, err := st.Read(p)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(records) != 720 {
		t.Errorf("read %d records, want the prior 720", len(records))
	}

	// Once complete, later runs skip it instead of re-fetching forever.
	before := ex.callCount()
	summary, err = d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("third Download failed: %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("third run summary: %+v", summary)
	}
	if got := ex.callCount(); got != before {
		t.Errorf("third run made %d exchange calls", got-before)
	}
}

func TestDownloadPartialFailure(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExchange{
		dataEnd: testNow,
		failFor: map[string]error{"ETH/USDT": errors.New("boom")},
	}
	d := newTestDownloader(t, cfg, ex, testNow)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	req := candleRequest(start, end, "BTC/USDT", "ETH/USDT")

	summary, err := d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("Download should not abort on a window failure: %v", err)
	}
	if summary.Fetched != 1 {
		t.Errorf("fetched = %d, want 1", summary.Fetched)
	}
	if summary.Failed != 1 || len(summary.Failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", summary)
	}
	if summary.Failures[0].Symbol != "ETH/USDT" {
		t.Errorf("failure symbol = %s", summary.Failures[0].Symbol)
	}

	// The failed symbol is retried on the next run, the good one skipped.
	ex.mu.Lock()
	ex.failFor = nil
	ex.mu.Unlock()

	summary, err = d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("second Download failed: %v", err)
	}
	if summary.Fetched != 1 || summary.Skipped != 1 {
		t.Errorf("second run summary: %+v", summary)
	}
}

func TestDownloadEmptyPastWindowWarns(t *testing.T) {
	cfg := testConfig(t)
	// No data at all before dataEnd far in the past.
	ex := &fakeExchange{dataEnd: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := newTestDownloader(t, cfg, ex, testNow)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	req := candleRequest(start, end, "BTC/USDT")

	summary, err := d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if summary.Empty != 1 {
		t.Errorf("empty = %d, want 1", summary.Empty)
	}
	if len(summary.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(summary.Warnings))
	}

	// No partition file is written, so the window is retried next run.
	st, _ := store.New(cfg.Storage)
	p := store.Partition{
		Exchange:  "fake",
		DataType:  models.DataTypeCandles,
		SubTypeID: "1m",
		Symbol:    "BTC/USDT",
		Key:       "2024-03-01",
	}
	if got := st.Status(p); got != models.PartitionAbsent {
		t.Errorf("empty window partition status = %v, want absent", got)
	}
}

func TestDownloadInvalidRequest(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDownloader(t, cfg, &fakeExchange{dataEnd: testNow}, testNow)

	req := Request{
		DataTypes: []models.DataType{"orderbook"},
		Symbols:   []string{"BTC/USDT"},
		Start:     testNow.Add(-24 * time.Hour),
		End:       testNow,
	}
	if _, err := d.Download(context.Background(), req); err == nil {
		t.Error("unknown data type should fail")
	}

	req = candleRequest(testNow.Add(-24*time.Hour), testNow, "BTC/USDT")
	req.Options[models.DataTypeCandles] = Options{Timeframe: "bogus"}
	if _, err := d.Download(context.Background(), req); err == nil {
		t.Error("invalid timeframe should fail")
	}
}

func TestDownloadCancellation(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDownloader(t, cfg, &fakeExchange{dataEnd: testNow}, testNow)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	req := candleRequest(start, start.Add(24*time.Hour), "BTC/USDT")

	summary, err := d.Download(ctx, req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if summary == nil {
		t.Error("summary should be returned even when cancelled")
	}
}

func TestDownloadConcurrentSymbols(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExchange{dataEnd: testNow}
	d := newTestDownloader(t, cfg, ex, testNow)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	req := candleRequest(start, end, "BTC/USDT", "ETH/USDT", "SOL/USDT")

	summary, err := d.Download(context.Background(), req)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if summary.Fetched != 12 {
		t.Errorf("fetched = %d, want 3 symbols x 4 days", summary.Fetched)
	}
}

func TestLoadData(t *testing.T) {
	cfg := testConfig(t)
	ex := &fakeExchange{dataEnd: testNow}
	d := newTestDownloader(t, cfg, ex, testNow)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	req := candleRequest(start, end, "BTC/USDT", "ETH/USDT")

	if _, err := d.Download(context.Background(), req); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	// A sub-range crossing the partition boundary.
	loadStart := start.Add(12 * time.Hour)
	loadEnd := start.Add(36 * time.Hour)
	records, err := d.LoadData(context.Background(), models.DataTypeCandles, "1m", []string{"BTC/USDT"}, loadStart, loadEnd)
	if err != nil {
		t.Fatalf("LoadData failed: %v", err)
	}

	want := int(loadEnd.Sub(loadStart) / time.Minute)
	if len(records) != want {
		t.Fatalf("loaded %d records, want %d", len(records), want)
	}
	for i, r := range records {
		if r.Symbol != "BTC/USDT" {
			t.Fatalf("unexpected symbol %s", r.Symbol)
		}
		if r.Timestamp.Before(loadStart) || !r.Timestamp.Before(loadEnd) {
			t.Errorf("record %d outside requested range: %v", i, r.Timestamp)
		}
		if i > 0 && records[i].Timestamp.Before(records[i-1].Timestamp) {
			t.Errorf("records out of order at %d", i)
		}
	}
}

func TestLoadDataMissingPartitions(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDownloader(t, cfg, &fakeExchange{dataEnd: testNow}, testNow)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	records, err := d.LoadData(context.Background(), models.DataTypeCandles, "1m", []string{"BTC/USDT"}, start, start.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("LoadData over absent partitions should not fail: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("loaded %d records from empty store", len(records))
	}
}
