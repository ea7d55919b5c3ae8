package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voicelab/speakerd/internal/library"
	"github.com/voicelab/speakerd/internal/matching"
	"github.com/voicelab/speakerd/internal/metrics"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/segment"
)

var (
	// ErrRequestNotFound reports a decision against an unknown request.
	ErrRequestNotFound = errors.New("identification request not found")

	// ErrRequestClosed reports a decision against a request that has
	// already been confirmed, rejected, or expired.
	ErrRequestClosed = errors.New("identification request already resolved")
)

// maxSnippets bounds the transcript evidence carried on an open request.
// Oldest snippets are dropped first.
const maxSnippets = 20

// Decision is one operator verdict on an open request.
type Decision struct {
	RequestID string

	// Identified is true when the operator named the speaker, false when
	// every suggestion was rejected.
	Identified bool

	// CandidateVoiceID selects an existing profile the anonymous voice
	// should be merged into. Empty means the request's own profile is
	// confirmed as a new person.
	CandidateVoiceID string

	UserID   string
	UserName string
}

// BatchResult is the per-decision outcome of ResolveBatch.
type BatchResult struct {
	RequestID string
	Err       error
}

// SegmentOutcome describes where a processed segment ended up.
type SegmentOutcome struct {
	// MatchedVoiceID is set when the segment scored above the accept
	// threshold and was folded directly into an existing profile.
	MatchedVoiceID string
	Confidence     float64

	// RequestID and RequestStatus are set when the segment was routed to
	// an open identification request instead.
	RequestID     string
	RequestStatus repository.RequestStatus
}

// Manager routes scored segments into profiles or identification requests
// and applies operator decisions to open requests.
type Manager struct {
	requests repository.RequestRepository
	lib      *library.Library
	engine   *matching.Engine
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(requests repository.RequestRepository, lib *library.Library, engine *matching.Engine, logger *slog.Logger) *Manager {
	return &Manager{
		requests: requests,
		lib:      lib,
		engine:   engine,
		logger:   logger,
		now:      time.Now,
	}
}

// ProcessSegment matches one extracted segment against the voice library.
// A match at or above the accept threshold folds straight into the matched
// profile. Anything weaker is stored on the segment's own anonymous profile
// and attached to that voice's open request, creating one if needed.
func (m *Manager) ProcessSegment(ctx context.Context, meetingID, voiceID string, seg segment.Segment, acoustic matching.Sample) (SegmentOutcome, error) {
	candidates, err := m.lib.FindCandidates(ctx, acoustic, m.engine.ReviewThreshold())
	matchingDown := false
	if err != nil {
		if !errors.Is(err, library.ErrMatchingUnavailable) {
			return SegmentOutcome{}, err
		}
		matchingDown = true
		m.logger.Warn("candidate search unavailable, keeping request pending",
			"meetingId", meetingID, "voiceId", voiceID, "error", err)
	}

	candidates = withoutSelf(voiceID, candidates)
	candidates, err = m.withoutRejected(ctx, voiceID, candidates)
	if err != nil {
		return SegmentOutcome{}, err
	}

	sample := library.Sample{
		SegmentID:  seg.ID,
		Audio:      seg.AudioBytes,
		Transcript: seg.TranscriptText,
		Acoustic:   acoustic,
		CapturedAt: seg.StartTime,
	}

	if len(candidates) > 0 && candidates[0].Confidence >= m.engine.AcceptThreshold() {
		top := candidates[0]
		sample.MatchConfidence = top.Confidence
		if err := m.lib.UpsertProfile(ctx, top.VoiceID, sample); err != nil {
			return SegmentOutcome{}, fmt.Errorf("fold matched sample: %w", err)
		}
		metrics.MatchesAccepted.Inc()
		m.logger.Info("segment matched existing profile",
			"meetingId", meetingID,
			"voiceId", top.VoiceID,
			"segmentId", seg.ID,
			"confidence", top.Confidence)
		return SegmentOutcome{MatchedVoiceID: top.VoiceID, Confidence: top.Confidence}, nil
	}

	// Below the accept threshold the segment stays with its own voice so
	// a later confirmation inherits every sample gathered so far.
	if err := m.lib.UpsertProfile(ctx, voiceID, sample); err != nil {
		return SegmentOutcome{}, fmt.Errorf("store unresolved sample: %w", err)
	}

	req, err := m.attachToRequest(ctx, meetingID, voiceID, seg, candidates, matchingDown)
	if err != nil {
		return SegmentOutcome{}, err
	}
	return SegmentOutcome{RequestID: req.ID, RequestStatus: req.Status}, nil
}

// withoutSelf drops the segment's own anonymous profile from the candidate
// list; matching yourself carries no identity information.
func withoutSelf(voiceID string, candidates []library.Candidate) []library.Candidate {
	kept := candidates[:0]
	for _, c := range candidates {
		if c.VoiceID != voiceID {
			kept = append(kept, c)
		}
	}
	return kept
}

// withoutRejected drops candidates an operator has already rejected for
// this voice in a previous request.
func (m *Manager) withoutRejected(ctx context.Context, voiceID string, candidates []library.Candidate) ([]library.Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}
	rejected, err := m.requests.ListRequestsByVoiceID(ctx, voiceID, repository.RequestStatusRejected)
	if err != nil {
		return nil, fmt.Errorf("load rejected requests: %w", err)
	}
	if len(rejected) == 0 {
		return candidates, nil
	}
	excluded := make(map[string]bool)
	for _, req := range rejected {
		for _, s := range req.SuggestedMatches {
			excluded[s.CandidateVoiceID] = true
		}
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if !excluded[c.VoiceID] {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

func (m *Manager) attachToRequest(ctx context.Context, meetingID, voiceID string, seg segment.Segment, candidates []library.Candidate, matchingDown bool) (*repository.IdentificationRequest, error) {
	req, err := m.requests.GetOpenRequestByVoiceID(ctx, voiceID)
	if err != nil {
		return nil, fmt.Errorf("load open request: %w", err)
	}

	now := m.now()
	snippet := repository.TranscriptSnippet{
		SegmentID:  seg.ID,
		Text:       seg.TranscriptText,
		CapturedAt: seg.StartTime,
	}

	if req == nil {
		req = &repository.IdentificationRequest{
			ID:        uuid.NewString(),
			VoiceID:   voiceID,
			MeetingID: meetingID,
			Status:    repository.RequestStatusPending,
			CreatedAt: now,
		}
		appendSnippet(req, snippet)
		if !matchingDown {
			req.SuggestedMatches = toSuggestions(candidates)
		}
		if len(req.SuggestedMatches) > 0 {
			req.Status = repository.RequestStatusSuggested
		}
		req.UpdatedAt = now
		if err := m.requests.CreateRequest(ctx, *req); err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		metrics.RequestsOpened.Inc()
		m.logger.Info("identification request opened",
			"requestId", req.ID,
			"voiceId", voiceID,
			"meetingId", meetingID,
			"status", string(req.Status))
		return req, nil
	}

	appendSnippet(req, snippet)
	// Suggestions are replaced wholesale on every rescoring. When matching
	// was unavailable the previous set is kept rather than wiped.
	if !matchingDown {
		req.SuggestedMatches = toSuggestions(candidates)
		if len(req.SuggestedMatches) > 0 {
			req.Status = repository.RequestStatusSuggested
		} else {
			req.Status = repository.RequestStatusPending
		}
	}
	req.UpdatedAt = now
	if err := m.requests.UpdateRequest(ctx, *req); err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}
	return req, nil
}

// Resolve applies one operator decision. On identification the anonymous
// profile is confirmed, or merged into the chosen candidate first so the
// confirmed profile carries every gathered sample. The request row is
// updated last; a failure along the way leaves it open for a retry.
func (m *Manager) Resolve(ctx context.Context, d Decision) error {
	req, err := m.requests.GetRequest(ctx, d.RequestID)
	if err != nil {
		return fmt.Errorf("load request: %w", err)
	}
	if req == nil {
		return ErrRequestNotFound
	}
	if !req.Status.Open() {
		return fmt.Errorf("%w: %s is %s", ErrRequestClosed, req.ID, req.Status)
	}

	status := repository.RequestStatusRejected
	if d.Identified {
		status = repository.RequestStatusConfirmed
		confirmID := req.VoiceID
		if d.CandidateVoiceID != "" && d.CandidateVoiceID != req.VoiceID {
			if err := m.lib.MergeProfiles(ctx, req.VoiceID, d.CandidateVoiceID, true); err != nil {
				return fmt.Errorf("merge into candidate: %w", err)
			}
			confirmID = d.CandidateVoiceID
		}
		if err := m.lib.ConfirmProfile(ctx, confirmID, d.UserID, d.UserName); err != nil {
			return fmt.Errorf("confirm profile: %w", err)
		}
	}

	now := m.now()
	req.Status = status
	req.UpdatedAt = now
	req.ResolvedAt = &now
	if err := m.requests.UpdateRequest(ctx, *req); err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	metrics.RequestsResolved.WithLabelValues(string(status)).Inc()
	m.logger.Info("identification request resolved",
		"requestId", req.ID,
		"voiceId", req.VoiceID,
		"status", string(status))
	return nil
}

// ResolveBatch applies each decision independently; one failure never blocks
// the rest.
func (m *Manager) ResolveBatch(ctx context.Context, decisions []Decision) []BatchResult {
	results := make([]BatchResult, 0, len(decisions))
	for _, d := range decisions {
		results = append(results, BatchResult{
			RequestID: d.RequestID,
			Err:       m.Resolve(ctx, d),
		})
	}
	return results
}

// ExpireStale closes open requests older than retention and returns how many
// were expired.
func (m *Manager) ExpireStale(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := m.now().Add(-retention)
	stale, err := m.requests.ListOpenRequestsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale requests: %w", err)
	}
	expired := 0
	for _, req := range stale {
		now := m.now()
		req.Status = repository.RequestStatusExpired
		req.UpdatedAt = now
		req.ResolvedAt = &now
		if err := m.requests.UpdateRequest(ctx, req); err != nil {
			m.logger.Error("failed to expire request", "requestId", req.ID, "error", err)
			continue
		}
		metrics.RequestsResolved.WithLabelValues(string(repository.RequestStatusExpired)).Inc()
		expired++
	}
	if expired > 0 {
		m.logger.Info("expired stale identification requests", "count", expired)
	}
	return expired, nil
}

// RunExpiry sweeps for stale requests on every tick until ctx is cancelled.
func (m *Manager) RunExpiry(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ExpireStale(ctx, retention); err != nil {
				m.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// RequestsForMeeting lists every identification request raised during a
// meeting, open or resolved.
func (m *Manager) RequestsForMeeting(ctx context.Context, meetingID string) ([]repository.IdentificationRequest, error) {
	return m.requests.ListRequestsByMeetingID(ctx, meetingID)
}

// SamplesForVoice returns the stored sample references backing a voice, so
// reviewers can listen to the audio behind a request. A non-positive limit
// falls back to the snippet cap.
func (m *Manager) SamplesForVoice(ctx context.Context, voiceID string, limit int) ([]repository.SampleRef, error) {
	if limit <= 0 || limit > maxSnippets {
		limit = maxSnippets
	}
	return m.lib.ListSamples(ctx, voiceID, limit)
}

func appendSnippet(req *repository.IdentificationRequest, s repository.TranscriptSnippet) {
	if s.Text == "" {
		return
	}
	req.SampleTranscripts = append(req.SampleTranscripts, s)
	if len(req.SampleTranscripts) > maxSnippets {
		req.SampleTranscripts = req.SampleTranscripts[len(req.SampleTranscripts)-maxSnippets:]
	}
}

func toSuggestions(candidates []library.Candidate) []repository.MatchSuggestion {
	if len(candidates) == 0 {
		return nil
	}
	out := make([]repository.MatchSuggestion, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, repository.MatchSuggestion{
			CandidateVoiceID: c.VoiceID,
			UserName:         c.UserName,
			Confidence:       c.Confidence,
			Evidence:         c.Evidence,
		})
	}
	return out
}
