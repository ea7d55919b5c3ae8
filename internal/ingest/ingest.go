package ingest

import (
	"context"

	"github.com/voicelab/speakerd/internal/identify"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/stream"
)

// MeetingController is the live-meeting surface the ingest server drives.
// *pipeline.Coordinator satisfies it.
type MeetingController interface {
	StartMeeting(ctx context.Context, meetingID string) error
	PushAudio(ctx context.Context, meetingID string, chunk stream.AudioChunk) error
	StopMeeting(ctx context.Context, meetingID string) error
}

// RequestResolver is the identification surface exposed over HTTP.
// *identify.Manager satisfies it.
type RequestResolver interface {
	Resolve(ctx context.Context, d identify.Decision) error
	ResolveBatch(ctx context.Context, decisions []identify.Decision) []identify.BatchResult
	RequestsForMeeting(ctx context.Context, meetingID string) ([]repository.IdentificationRequest, error)
	SamplesForVoice(ctx context.Context, voiceID string, limit int) ([]repository.SampleRef, error)
}
