// Package planner turns a requested date range into partition-aligned fetch
// windows. Planning is pure: no I/O, no clocks other than the caller-provided
// reference time.
package planner

import (
	"fmt"
	"time"

	"histflow/models"
)

// Plan splits [start, end) into contiguous, non-overlapping windows aligned
// to the partition grid for the given data type and sub-type. The start is
// floored to the grid so every window except possibly the last covers its
// full partition; a partition on disk always holds its whole period. The end
// is clamped to now; a range that is empty after clamping yields an empty
// plan and no error. The final window is truncated to end.
func Plan(dataType models.DataType, subTypeID string, start, end, now time.Time) ([]models.Window, error) {
	if err := dataType.ValidateSubType(subTypeID); err != nil {
		return nil, fmt.Errorf("plan %s: %w", dataType, err)
	}

	span, err := dataType.PartitionSpan(subTypeID)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", dataType, err)
	}

	start = start.UTC()
	end = end.UTC()
	if end.After(now) {
		end = now.UTC()
	}
	if !start.Before(end) {
		return nil, nil
	}

	var windows []models.Window
	for cur := start.Truncate(span); cur.Before(end); cur = cur.Add(span) {
		winEnd := cur.Add(span)
		if winEnd.After(end) {
			winEnd = end
		}
		windows = append(windows, models.Window{
			Key:   cur.Format(models.PartitionKeyFormat),
			Start: cur,
			End:   winEnd,
		})
	}

	return windows, nil
}
