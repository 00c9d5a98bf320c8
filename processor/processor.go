// Package processor normalizes fetched record batches before they are
// committed: clipping to the window bounds, sorting, and (timestamp, symbol)
// deduplication.
package processor

import (
	"sort"

	"histflow/models"
)

// Clip drops records outside [w.Start, w.End). Exchanges occasionally return
// rows just past the requested range when paginating by timestamp cursor.
func Clip(records []models.Record, w models.Window) []models.Record {
	out := records[:0]
	for _, r := range records {
		if r.Timestamp.Before(w.Start) || !r.Timestamp.Before(w.End) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Sort orders records ascending by timestamp, then by symbol. Readers rely on
// this ordering within a partition.
func Sort(records []models.Record) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Symbol < b.Symbol
	})
}

// Dedup merges existing and incoming records keyed by (timestamp, symbol).
// When both sides carry the same key the incoming record wins: it reflects
// the most recent fetch. The merged result is sorted.
func Dedup(existing, incoming []models.Record) []models.Record {
	merged := make(map[models.RecordKey]models.Record, len(existing)+len(incoming))
	for _, r := range existing {
		merged[r.Key()] = r
	}
	for _, r := range incoming {
		merged[r.Key()] = r
	}

	out := make([]models.Record, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	Sort(out)
	return out
}

// Normalize prepares a freshly fetched batch for commit: clip to the window,
// collapse duplicate keys (later pages win), and sort.
func Normalize(records []models.Record, w models.Window) []models.Record {
	clipped := Clip(records, w)
	return Dedup(nil, clipped)
}
