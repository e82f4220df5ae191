package domain

import "time"

// SyncStats holds statistics about an ingestion pass.
type SyncStats struct {
	Bucket      string
	Listed      int
	Ignored     int
	New         int
	Changed     int
	Unchanged   int
	Quarantined int
	Enqueued    int
	Errors      int
	Duration    time.Duration
}
