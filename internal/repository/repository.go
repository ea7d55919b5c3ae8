package repository

import (
	"context"
	"time"
)

type CreateMeetingInput struct {
	MeetingID string
	StartedAt time.Time
}

type CompleteMeetingInput struct {
	MeetingID string
	EndedAt   time.Time
}

type MeetingRepository interface {
	CreateMeeting(ctx context.Context, input CreateMeetingInput) (*Meeting, error)
	UpdateMeetingCompleted(ctx context.Context, input CompleteMeetingInput) error
	// GetRunningMeeting returns nil without error when no running row exists.
	GetRunningMeeting(ctx context.Context, meetingID string) (*Meeting, error)
}

type ProfileRepository interface {
	// GetProfile returns nil without error when the profile does not exist.
	GetProfile(ctx context.Context, voiceID string) (*VoiceProfile, error)
	ListProfiles(ctx context.Context) ([]VoiceProfile, error)
	CreateProfile(ctx context.Context, profile VoiceProfile) error
	UpdateProfile(ctx context.Context, profile VoiceProfile) error
	// DeleteProfile is an explicit admin operation; profiles are never
	// deleted automatically.
	DeleteProfile(ctx context.Context, voiceID string) error
	InsertSample(ctx context.Context, sample SampleRef) error
	ListSamplesByVoiceID(ctx context.Context, voiceID string, limit int) ([]SampleRef, error)
	ReassignSamples(ctx context.Context, fromVoiceID, toVoiceID string) error
}

type RequestRepository interface {
	CreateRequest(ctx context.Context, request IdentificationRequest) error
	// GetRequest returns nil without error when the request does not exist.
	GetRequest(ctx context.Context, requestID string) (*IdentificationRequest, error)
	// GetOpenRequestByVoiceID returns the pending or suggested request for
	// the voice, or nil without error.
	GetOpenRequestByVoiceID(ctx context.Context, voiceID string) (*IdentificationRequest, error)
	UpdateRequest(ctx context.Context, request IdentificationRequest) error
	ListRequestsByMeetingID(ctx context.Context, meetingID string) ([]IdentificationRequest, error)
	ListRequestsByStatus(ctx context.Context, status RequestStatus) ([]IdentificationRequest, error)
	ListRequestsByVoiceID(ctx context.Context, voiceID string, status RequestStatus) ([]IdentificationRequest, error)
	// ListOpenRequestsBefore returns open requests created before the cutoff,
	// for expiry sweeps.
	ListOpenRequestsBefore(ctx context.Context, cutoff time.Time) ([]IdentificationRequest, error)
}

type Repository interface {
	MeetingRepository
	ProfileRepository
	RequestRepository
}
