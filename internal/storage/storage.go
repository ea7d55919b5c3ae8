package storage

import (
	"context"
	"time"
)

type SampleMetadata struct {
	VoiceID         string
	SegmentID       string
	Transcript      string
	Quality         float64
	DurationSeconds float64
	CapturedAt      time.Time
}

// SampleStore persists raw audio sample bytes, one object per segment.
// Sample metadata, the stored URL included, lives in the repository.
type SampleStore interface {
	Store(ctx context.Context, data []byte, meta SampleMetadata) (url string, err error)
}
