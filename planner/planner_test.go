package planner

import (
	"testing"
	"time"

	"histflow/models"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func TestPlanDailyWindows(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	windows, err := Plan(models.DataTypeTrades, "", start, end, now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	for i, w := range windows {
		wantStart := start.Add(time.Duration(i) * 24 * time.Hour)
		if !w.Start.Equal(wantStart) {
			t.Errorf("window %d start = %v, want %v", i, w.Start, wantStart)
		}
		if !w.End.Equal(wantStart.Add(24 * time.Hour)) {
			t.Errorf("window %d end = %v", i, w.End)
		}
		if w.Key != wantStart.Format(models.PartitionKeyFormat) {
			t.Errorf("window %d key = %s", i, w.Key)
		}
	}
}

func TestPlanMidDayRange(t *testing.T) {
	start := time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC)
	end := time.Date(2024, 3, 2, 18, 0, 0, 0, time.UTC)

	windows, err := Plan(models.DataTypeCandles, "1m", start, end, now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(windows))
	}

	// A mid-day start is floored to the partition boundary so the first
	// partition covers its whole day.
	if !windows[0].Start.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first window should start at the partition boundary, got %v", windows[0].Start)
	}
	if windows[0].Key != "2024-03-01" {
		t.Errorf("first window key = %s, want grid-aligned 2024-03-01", windows[0].Key)
	}
	if !windows[0].End.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("first window should end at the partition boundary, got %v", windows[0].End)
	}
	if !windows[1].End.Equal(end) {
		t.Errorf("last window should be truncated to the requested end, got %v", windows[1].End)
	}
}

func TestPlanFloorsStartToGrid(t *testing.T) {
	for _, c := range []struct {
		dataType models.DataType
		sub      string
	}{
		{models.DataTypeCandles, "1m"},
		{models.DataTypeCandles, "1h"},
		{models.DataTypeTrades, ""},
		{models.DataTypeFunding, ""},
	} {
		start := time.Date(2024, 3, 1, 13, 45, 12, 0, time.UTC)
		windows, err := Plan(c.dataType, c.sub, start, start.Add(time.Hour), now)
		if err != nil {
			t.Fatalf("Plan(%s, %q) failed: %v", c.dataType, c.sub, err)
		}
		if len(windows) == 0 {
			t.Fatalf("Plan(%s, %q) returned an empty plan", c.dataType, c.sub)
		}
		span, err := c.dataType.PartitionSpan(c.sub)
		if err != nil {
			t.Fatalf("PartitionSpan(%s, %q): %v", c.dataType, c.sub, err)
		}
		first := windows[0]
		if !first.Start.Equal(first.Start.Truncate(span)) {
			t.Errorf("%s %q: first window start %v is off the grid", c.dataType, c.sub, first.Start)
		}
		if first.Start.After(start) {
			t.Errorf("%s %q: first window start %v is after the requested start", c.dataType, c.sub, first.Start)
		}
	}
}

func TestPlanContiguousNoOverlap(t *testing.T) {
	start := time.Date(2024, 2, 27, 13, 45, 0, 0, time.UTC)
	end := time.Date(2024, 3, 5, 2, 10, 0, 0, time.UTC)

	windows, err := Plan(models.DataTypeFunding, "", start, end, now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(windows) == 0 {
		t.Fatal("expected a non-empty plan")
	}
	if first := windows[0]; first.Start.After(start) || !first.End.After(start) {
		t.Errorf("first window %v..%v should contain the requested start", first.Start, first.End)
	}
	if !windows[len(windows)-1].End.Equal(end) {
		t.Errorf("plan should end at end, got %v", windows[len(windows)-1].End)
	}
	for i := 1; i < len(windows); i++ {
		if !windows[i].Start.Equal(windows[i-1].End) {
			t.Errorf("gap or overlap between window %d and %d", i-1, i)
		}
	}
}

func TestPlanClampsToNow(t *testing.T) {
	start := now.Add(-12 * time.Hour)
	end := now.Add(48 * time.Hour)

	windows, err := Plan(models.DataTypeTrades, "", start, end, now)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(windows) == 0 {
		t.Fatal("expected a non-empty plan")
	}
	if last := windows[len(windows)-1]; last.End.After(now) {
		t.Errorf("plan extends past now: %v", last.End)
	}
}

func TestPlanEmptyRange(t *testing.T) {
	start := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	windows, err := Plan(models.DataTypeTrades, "", start, end, now)
	if err != nil {
		t.Fatalf("inverted range should yield an empty plan, got error: %v", err)
	}
	if len(windows) != 0 {
		t.Errorf("expected empty plan, got %d windows", len(windows))
	}

	windows, err = Plan(models.DataTypeTrades, "", now.Add(time.Hour), now.Add(2*time.Hour), now)
	if err != nil {
		t.Fatalf("fully future range should yield an empty plan, got error: %v", err)
	}
	if len(windows) != 0 {
		t.Errorf("expected empty plan for future range, got %d windows", len(windows))
	}
}

func TestPlanCoarseCandleSpans(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	daily, err := Plan(models.DataTypeCandles, "1m", start, end, now)
	if err != nil {
		t.Fatalf("Plan 1m failed: %v", err)
	}
	coarse, err := Plan(models.DataTypeCandles, "1d", start, end, now)
	if err != nil {
		t.Fatalf("Plan 1d failed: %v", err)
	}
	if len(coarse) >= len(daily) {
		t.Errorf("coarse timeframe should plan fewer windows: %d vs %d", len(coarse), len(daily))
	}
}

func TestPlanInvalidSubType(t *testing.T) {
	if _, err := Plan(models.DataTypeCandles, "nope", now.Add(-time.Hour), now, now); err == nil {
		t.Error("invalid timeframe should fail")
	}
	if _, err := Plan(models.DataTypeTrades, "1m", now.Add(-time.Hour), now, now); err == nil {
		t.Error("trades with a sub-type should fail")
	}
}
