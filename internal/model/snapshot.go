package model

import "time"

// PaneSnapshot is an opaque captured pane buffer plus metadata. Only the
// most recent snapshot per target is retained (in LayeredCache); snapshots
// are never persisted to disk (spec §3).
type PaneSnapshot struct {
	Target     Target
	Text       string
	Hash       uint64
	CapturedAt time.Time
}

// HealthVerdict is CrashDetector's pure output for one target (spec §4.5).
type HealthVerdict struct {
	Target       Target
	State        VerdictKind
	Reason       string
	SnapshotHash uint64
	CapturedAt   time.Time
}
