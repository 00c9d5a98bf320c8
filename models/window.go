package models

import "time"

// Window is a planned fetch range aligned to a partition boundary. Key is the
// partition key (the grid-aligned start date). Start always sits on the grid;
// End may fall short of the next boundary when the requested range or the
// clamp to now truncates the final window.
type Window struct {
	Key   string
	Start time.Time
	End   time.Time
}

// PartitionKeyFormat is the layout used for partition keys.
const PartitionKeyFormat = "2006-01-02"

// PartitionStatus describes the persisted state of one partition.
type PartitionStatus int

const (
	PartitionAbsent PartitionStatus = iota
	PartitionIncomplete
	PartitionComplete
)

func (s PartitionStatus) String() string {
	switch s {
	case PartitionAbsent:
		return "absent"
	case PartitionIncomplete:
		return "incomplete"
	case PartitionComplete:
		return "complete"
	default:
		return "unknown"
	}
}
