package repository

import "time"

type MeetingStatus string

const (
	MeetingStatusRunning   MeetingStatus = "running"
	MeetingStatusCompleted MeetingStatus = "completed"
)

type Meeting struct {
	ID        string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    MeetingStatus
}

// VoiceProfile is the durable record of a known or suspected speaker.
// The aggregate fields are running sums maintained by the voice library;
// they let new samples fold in without rescanning sample history.
type VoiceProfile struct {
	VoiceID             string
	DisplayName         string
	UserID              string
	Confirmed           bool
	Voiceprint          []float32
	RhythmRate          float64
	PitchHz             float64
	AggregateConfidence float64
	QualityWeightSum    float64
	SampleCount         int
	TotalDurationSecs   float64
	LastSeenAt          time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SampleRef points at one stored audio sample. Owned by exactly one profile.
type SampleRef struct {
	ID              string
	VoiceID         string
	URL             string
	Transcript      string
	Quality         float64
	DurationSeconds float64
	CapturedAt      time.Time
	CreatedAt       time.Time
}

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusSuggested RequestStatus = "suggested"
	RequestStatusConfirmed RequestStatus = "confirmed"
	RequestStatusRejected  RequestStatus = "rejected"
	RequestStatusExpired   RequestStatus = "expired"
)

// Open reports whether the request can still accept segments and decisions.
func (s RequestStatus) Open() bool {
	return s == RequestStatusPending || s == RequestStatusSuggested
}

type TranscriptSnippet struct {
	SegmentID  string    `json:"segment_id"`
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"captured_at"`
}

// MatchSuggestion is one ranked library candidate. Suggestions are replaced
// wholesale on every rescoring, never mutated in place.
type MatchSuggestion struct {
	CandidateVoiceID string   `json:"candidate_voice_id"`
	UserName         string   `json:"user_name"`
	Confidence       float64  `json:"confidence"`
	Evidence         []string `json:"evidence"`
}

type IdentificationRequest struct {
	ID                string
	VoiceID           string
	MeetingID         string
	Status            RequestStatus
	SampleTranscripts []TranscriptSnippet
	SuggestedMatches  []MatchSuggestion
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}
