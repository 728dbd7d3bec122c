package models

import (
	"time"
)

// ArtifactStatus is the lifecycle state of a persisted scan artifact.
type ArtifactStatus string

const (
	// ArtifactPending marks an artifact that has not been consumed by an
	// execute cycle.
	ArtifactPending ArtifactStatus = "PENDING"
	// ArtifactExecuted marks an artifact whose order pass completed.
	ArtifactExecuted ArtifactStatus = "EXECUTED"
)

// ScanArtifact is the durable handoff between a scan and a later execute
// cycle: the ranked opportunities a scan produced, stamped with when they
// were produced and until when they may be acted on.
type ScanArtifact struct {
	ScanTime      time.Time      `json:"scan_time"`
	ExpiresAt     time.Time      `json:"expires_at"`
	Status        ArtifactStatus `json:"status"`
	Opportunities []Opportunity  `json:"opportunities"`
}

// NewScanArtifact builds a PENDING artifact. Timestamps are normalized to
// UTC with millisecond precision so the stored form round-trips exactly.
func NewScanArtifact(scanTime time.Time, maxAge time.Duration, opportunities []Opportunity) ScanArtifact {
	ts := scanTime.UTC().Truncate(time.Millisecond)
	return ScanArtifact{
		ScanTime:      ts,
		ExpiresAt:     ts.Add(maxAge),
		Status:        ArtifactPending,
		Opportunities: opportunities,
	}
}

// Fresh reports whether the artifact is still consumable at the given time.
// The boundary is inclusive: an artifact aged exactly maxAge is fresh. The
// maxAge parameter wins over the recorded ExpiresAt so that a config change
// between scan and execute takes effect immediately.
func (a *ScanArtifact) Fresh(now time.Time, maxAge time.Duration) bool {
	return !now.After(a.ScanTime.Add(maxAge))
}

// CountByRight tallies the artifact's opportunities per contract right.
func (a *ScanArtifact) CountByRight() (puts, calls int) {
	for i := range a.Opportunities {
		if a.Opportunities[i].Right == RightCall {
			calls++
		} else {
			puts++
		}
	}
	return puts, calls
}
