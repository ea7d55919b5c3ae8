package identify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicelab/speakerd/internal/library"
	"github.com/voicelab/speakerd/internal/matching"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/segment"
	"github.com/voicelab/speakerd/internal/storage"
)

type mockRepo struct {
	mu       sync.Mutex
	profiles map[string]repository.VoiceProfile
	samples  []repository.SampleRef
	requests map[string]repository.IdentificationRequest

	profileListErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		profiles: make(map[string]repository.VoiceProfile),
		requests: make(map[string]repository.IdentificationRequest),
	}
}

func (m *mockRepo) GetProfile(_ context.Context, voiceID string) (*repository.VoiceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[voiceID]
	if !ok {
		return nil, nil
	}
	p.Voiceprint = append([]float32(nil), p.Voiceprint...)
	return &p, nil
}

func (m *mockRepo) ListProfiles(_ context.Context) ([]repository.VoiceProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profileListErr != nil {
		return nil, m.profileListErr
	}
	var out []repository.VoiceProfile
	for _, p := range m.profiles {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockRepo) CreateProfile(_ context.Context, p repository.VoiceProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.VoiceID] = p
	return nil
}

func (m *mockRepo) UpdateProfile(_ context.Context, p repository.VoiceProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.VoiceID] = p
	return nil
}

func (m *mockRepo) DeleteProfile(_ context.Context, voiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, voiceID)
	return nil
}

func (m *mockRepo) InsertSample(_ context.Context, s repository.SampleRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	return nil
}

func (m *mockRepo) ListSamplesByVoiceID(_ context.Context, voiceID string, limit int) ([]repository.SampleRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.SampleRef
	for _, s := range m.samples {
		if s.VoiceID != voiceID {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRepo) ReassignSamples(_ context.Context, fromVoiceID, toVoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.samples {
		if m.samples[i].VoiceID == fromVoiceID {
			m.samples[i].VoiceID = toVoiceID
		}
	}
	return nil
}

func (m *mockRepo) CreateRequest(_ context.Context, req repository.IdentificationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req
	return nil
}

func (m *mockRepo) GetRequest(_ context.Context, requestID string) (*repository.IdentificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (m *mockRepo) GetOpenRequestByVoiceID(_ context.Context, voiceID string) (*repository.IdentificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.VoiceID == voiceID && req.Status.Open() {
			return &req, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) UpdateRequest(_ context.Context, req repository.IdentificationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = req
	return nil
}

func (m *mockRepo) ListRequestsByMeetingID(_ context.Context, meetingID string) ([]repository.IdentificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.IdentificationRequest
	for _, req := range m.requests {
		if req.MeetingID == meetingID {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *mockRepo) ListRequestsByStatus(_ context.Context, status repository.RequestStatus) ([]repository.IdentificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.IdentificationRequest
	for _, req := range m.requests {
		if req.Status == status {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *mockRepo) ListRequestsByVoiceID(_ context.Context, voiceID string, status repository.RequestStatus) ([]repository.IdentificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.IdentificationRequest
	for _, req := range m.requests {
		if req.VoiceID == voiceID && req.Status == status {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *mockRepo) ListOpenRequestsBefore(_ context.Context, cutoff time.Time) ([]repository.IdentificationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.IdentificationRequest
	for _, req := range m.requests {
		if req.Status.Open() && req.CreatedAt.Before(cutoff) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *mockRepo) CreateMeeting(_ context.Context, _ repository.CreateMeetingInput) (*repository.Meeting, error) {
	return nil, nil
}

func (m *mockRepo) UpdateMeetingCompleted(_ context.Context, _ repository.CompleteMeetingInput) error {
	return nil
}

func (m *mockRepo) GetRunningMeeting(_ context.Context, _ string) (*repository.Meeting, error) {
	return nil, nil
}

type nullStore struct{}

func (nullStore) Store(_ context.Context, _ []byte, meta storage.SampleMetadata) (string, error) {
	return "s3://samples/" + meta.VoiceID + "/" + meta.SegmentID + ".pcm", nil
}

func newTestManager(repo *mockRepo) *Manager {
	engine := matching.NewEngine(0.75, 0.55)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lib := library.NewLibrary(repo, nullStore{}, engine, logger)
	return NewManager(repo, lib, engine, logger)
}

func testSegment(id, transcript string) segment.Segment {
	start := time.Now().Add(-3 * time.Second)
	return segment.Segment{
		ID:             id,
		LocalSpeakerID: "spk-1",
		StartTime:      start,
		EndTime:        start.Add(3 * time.Second),
		AudioBytes:     []byte{1, 2, 3},
		TranscriptText: transcript,
		QualityScore:   0.8,
	}
}

func testAcoustic() matching.Sample {
	return matching.Sample{
		Voiceprint:      []float32{0.5, 0.5, 0.1},
		RhythmRate:      4.0,
		PitchHz:         180,
		Quality:         0.8,
		DurationSeconds: 3.0,
	}
}

func seedProfile(repo *mockRepo, voiceID, name string, print []float32, rhythm, pitch float64) {
	repo.profiles[voiceID] = repository.VoiceProfile{
		VoiceID:           voiceID,
		DisplayName:       name,
		Voiceprint:        print,
		RhythmRate:        rhythm,
		PitchHz:           pitch,
		QualityWeightSum:  0.8,
		SampleCount:       1,
		TotalDurationSecs: 10,
		LastSeenAt:        time.Now(),
	}
}

// Against testAcoustic this profile scores roughly 0.72, inside the
// uncertain band for the 0.75/0.55 thresholds.
func seedUncertainProfile(repo *mockRepo, voiceID, name string) {
	seedProfile(repo, voiceID, name, []float32{0.5, 0.1, 0.45}, 5.5, 240)
}

func TestProcessSegmentOpensRequestForUnknownVoice(t *testing.T) {
	repo := newMockRepo()
	mgr := newTestManager(repo)

	outcome, err := mgr.ProcessSegment(context.Background(), "meeting-1", "voice-1", testSegment("seg-1", "good morning"), testAcoustic())
	if err != nil {
		t.Fatalf("ProcessSegment failed: %v", err)
	}
	if outcome.MatchedVoiceID != "" {
		t.Errorf("unknown voice should not match, got %s", outcome.MatchedVoiceID)
	}
	if outcome.RequestStatus != repository.RequestStatusPending {
		t.Errorf("status = %s, want pending", outcome.RequestStatus)
	}

	req, _ := repo.GetRequest(context.Background(), outcome.RequestID)
	if req == nil {
		t.Fatal("request not persisted")
	}
	if len(req.SampleTranscripts) != 1 || req.SampleTranscripts[0].Text != "good morning" {
		t.Errorf("snippet not recorded: %+v", req.SampleTranscripts)
	}
	if len(req.SuggestedMatches) != 0 {
		t.Errorf("empty library should yield no suggestions, got %d", len(req.SuggestedMatches))
	}

	samples, _ := repo.ListSamplesByVoiceID(context.Background(), "voice-1", 0)
	if len(samples) != 1 {
		t.Errorf("sample not stored on anonymous profile, got %d", len(samples))
	}
}

func TestProcessSegmentAcceptsStrongMatch(t *testing.T) {
	repo := newMockRepo()
	seedProfile(repo, "known", "Haru", []float32{0.5, 0.5, 0.1}, 4.0, 180)
	mgr := newTestManager(repo)

	outcome, err := mgr.ProcessSegment(context.Background(), "meeting-1", "voice-1", testSegment("seg-1", "hello"), testAcoustic())
	if err != nil {
		t.Fatalf("ProcessSegment failed: %v", err)
	}
	if outcome.MatchedVoiceID != "known" {
		t.Fatalf("MatchedVoiceID = %q, want known", outcome.MatchedVoiceID)
	}
	if outcome.Confidence < 0.75 {
		t.Errorf("confidence = %v, want >= accept threshold", outcome.Confidence)
	}
	if outcome.RequestID != "" {
		t.Error("accepted match must not open a request")
	}

	p, _ := repo.GetProfile(context.Background(), "known")
	if p.SampleCount != 2 {
		t.Errorf("matched profile SampleCount = %d, want 2", p.SampleCount)
	}
	if len(repo.requests) != 0 {
		t.Errorf("request count = %d, want 0", len(repo.requests))
	}
}

func TestProcessSegmentSuggestsUncertainMatch(t *testing.T) {
	repo := newMockRepo()
	// Close enough to clear the review threshold but not accept.
	seedUncertainProfile(repo, "maybe", "Ren")
	mgr := newTestManager(repo)

	outcome, err := mgr.ProcessSegment(context.Background(), "meeting-1", "voice-1", testSegment("seg-1", "hello"), testAcoustic())
	if err != nil {
		t.Fatalf("ProcessSegment failed: %v", err)
	}
	if outcome.MatchedVoiceID != "" {
		t.Fatalf("uncertain match must not auto-accept, matched %s", outcome.MatchedVoiceID)
	}
	if outcome.RequestStatus != repository.RequestStatusSuggested {
		t.Errorf("status = %s, want suggested", outcome.RequestStatus)
	}

	req, _ := repo.GetRequest(context.Background(), outcome.RequestID)
	if len(req.SuggestedMatches) != 1 || req.SuggestedMatches[0].CandidateVoiceID != "maybe" {
		t.Errorf("suggestions = %+v, want single candidate maybe", req.SuggestedMatches)
	}
}

func TestProcessSegmentMatchingUnavailableStaysPending(t *testing.T) {
	repo := newMockRepo()
	repo.profileListErr = errors.New("connection refused")
	mgr := newTestManager(repo)

	outcome, err := mgr.ProcessSegment(context.Background(), "meeting-1", "voice-1", testSegment("seg-1", "hello"), testAcoustic())
	if err != nil {
		t.Fatalf("ProcessSegment should degrade, not fail: %v", err)
	}
	if outcome.RequestStatus != repository.RequestStatusPending {
		t.Errorf("status = %s, want pending", outcome.RequestStatus)
	}
	req, _ := repo.GetRequest(context.Background(), outcome.RequestID)
	if len(req.SuggestedMatches) != 0 {
		t.Errorf("suggestions should be empty while matching is down, got %d", len(req.SuggestedMatches))
	}
}

func TestProcessSegmentAppendsToExistingRequest(t *testing.T) {
	repo := newMockRepo()
	mgr := newTestManager(repo)
	ctx := context.Background()

	first, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-1", testSegment("seg-1", "first words"), testAcoustic())
	if err != nil {
		t.Fatalf("first segment failed: %v", err)
	}
	second, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-1", testSegment("seg-2", "more words"), testAcoustic())
	if err != nil {
		t.Fatalf("second segment failed: %v", err)
	}
	if first.RequestID != second.RequestID {
		t.Fatalf("same voice must share one open request: %s vs %s", first.RequestID, second.RequestID)
	}

	req, _ := repo.GetRequest(ctx, first.RequestID)
	if len(req.SampleTranscripts) != 2 {
		t.Errorf("snippet count = %d, want 2", len(req.SampleTranscripts))
	}
}

func TestResolveIdentifiedConfirmsProfileWithAllSamples(t *testing.T) {
	repo := newMockRepo()
	mgr := newTestManager(repo)
	ctx := context.Background()

	var requestID string
	for i := 0; i < 6; i++ {
		seg := testSegment(fmt.Sprintf("seg-%d", i), fmt.Sprintf("utterance %d", i))
		outcome, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-1", seg, testAcoustic())
		if err != nil {
			t.Fatalf("segment %d failed: %v", i, err)
		}
		if outcome.MatchedVoiceID != "" {
			t.Fatalf("segment %d matched %s; own profile must be excluded", i, outcome.MatchedVoiceID)
		}
		requestID = outcome.RequestID
	}

	err := mgr.Resolve(ctx, Decision{
		RequestID:  requestID,
		Identified: true,
		UserID:     "user-1",
		UserName:   "Mika",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	req, _ := repo.GetRequest(ctx, requestID)
	if req.Status != repository.RequestStatusConfirmed {
		t.Errorf("request status = %s, want confirmed", req.Status)
	}
	if req.ResolvedAt == nil {
		t.Error("ResolvedAt not set")
	}

	p, _ := repo.GetProfile(ctx, "voice-1")
	if !p.Confirmed {
		t.Error("profile should be confirmed")
	}
	if p.DisplayName != "Mika" {
		t.Errorf("DisplayName = %s, want Mika", p.DisplayName)
	}
	samples, _ := repo.ListSamplesByVoiceID(ctx, "voice-1", 0)
	if len(samples) != 6 {
		t.Errorf("confirmed profile has %d samples, want 6", len(samples))
	}
}

func TestResolveMergesIntoChosenCandidate(t *testing.T) {
	repo := newMockRepo()
	seedUncertainProfile(repo, "known", "Haru")
	mgr := newTestManager(repo)
	ctx := context.Background()

	outcome, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-1", testSegment("seg-1", "hello"), testAcoustic())
	if err != nil {
		t.Fatalf("ProcessSegment failed: %v", err)
	}
	if outcome.RequestID == "" {
		t.Fatal("expected an open request")
	}

	err = mgr.Resolve(ctx, Decision{
		RequestID:        outcome.RequestID,
		Identified:       true,
		CandidateVoiceID: "known",
		UserID:           "user-7",
		UserName:         "Haru",
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if p, _ := repo.GetProfile(ctx, "voice-1"); p != nil {
		t.Error("anonymous profile should be merged away")
	}
	known, _ := repo.GetProfile(ctx, "known")
	if !known.Confirmed {
		t.Error("candidate profile should be confirmed")
	}
	samples, _ := repo.ListSamplesByVoiceID(ctx, "known", 0)
	if len(samples) != 1 {
		t.Errorf("candidate should own the reassigned sample, got %d", len(samples))
	}
}

func TestResolveRejectedExcludesCandidateFromFutureSuggestions(t *testing.T) {
	repo := newMockRepo()
	seedUncertainProfile(repo, "maybe", "Ren")
	mgr := newTestManager(repo)
	ctx := context.Background()

	first, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-1", testSegment("seg-1", "hello"), testAcoustic())
	if err != nil {
		t.Fatalf("ProcessSegment failed: %v", err)
	}
	if first.RequestStatus != repository.RequestStatusSuggested {
		t.Fatalf("precondition: expected a suggestion, got %s", first.RequestStatus)
	}

	if err := mgr.Resolve(ctx, Decision{RequestID: first.RequestID, Identified: false}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	second, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-1", testSegment("seg-2", "again"), testAcoustic())
	if err != nil {
		t.Fatalf("second ProcessSegment failed: %v", err)
	}
	if second.RequestStatus != repository.RequestStatusPending {
		t.Errorf("status = %s, want pending after rejection", second.RequestStatus)
	}
	req, _ := repo.GetRequest(ctx, second.RequestID)
	if len(req.SuggestedMatches) != 0 {
		t.Errorf("rejected candidate resurfaced: %+v", req.SuggestedMatches)
	}
}

func TestResolveGuardsClosedAndMissingRequests(t *testing.T) {
	repo := newMockRepo()
	mgr := newTestManager(repo)
	ctx := context.Background()

	if err := mgr.Resolve(ctx, Decision{RequestID: "missing"}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}

	outcome, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-1", testSegment("seg-1", "hello"), testAcoustic())
	if err != nil {
		t.Fatalf("ProcessSegment failed: %v", err)
	}
	if err := mgr.Resolve(ctx, Decision{RequestID: outcome.RequestID, Identified: false}); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if err := mgr.Resolve(ctx, Decision{RequestID: outcome.RequestID, Identified: true}); !errors.Is(err, ErrRequestClosed) {
		t.Fatalf("expected ErrRequestClosed, got %v", err)
	}
}

func TestResolveBatchIsIndependentPerDecision(t *testing.T) {
	repo := newMockRepo()
	mgr := newTestManager(repo)
	ctx := context.Background()

	a, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-a", testSegment("seg-a", "alpha"), testAcoustic())
	if err != nil {
		t.Fatalf("segment a failed: %v", err)
	}
	b, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-b", testSegment("seg-b", "beta"), testAcoustic())
	if err != nil {
		t.Fatalf("segment b failed: %v", err)
	}

	results := mgr.ResolveBatch(ctx, []Decision{
		{RequestID: "missing", Identified: false},
		{RequestID: a.RequestID, Identified: true, UserID: "u1", UserName: "Aoi"},
		{RequestID: b.RequestID, Identified: false},
	})
	if len(results) != 3 {
		t.Fatalf("result count = %d, want 3", len(results))
	}
	if !errors.Is(results[0].Err, ErrRequestNotFound) {
		t.Errorf("first result should fail with not found, got %v", results[0].Err)
	}
	if results[1].Err != nil || results[2].Err != nil {
		t.Errorf("later decisions must not be blocked: %v, %v", results[1].Err, results[2].Err)
	}

	reqA, _ := repo.GetRequest(ctx, a.RequestID)
	reqB, _ := repo.GetRequest(ctx, b.RequestID)
	if reqA.Status != repository.RequestStatusConfirmed || reqB.Status != repository.RequestStatusRejected {
		t.Errorf("statuses = %s/%s, want confirmed/rejected", reqA.Status, reqB.Status)
	}
}

func TestExpireStale(t *testing.T) {
	repo := newMockRepo()
	mgr := newTestManager(repo)
	ctx := context.Background()

	outcome, err := mgr.ProcessSegment(ctx, "meeting-1", "voice-1", testSegment("seg-1", "hello"), testAcoustic())
	if err != nil {
		t.Fatalf("ProcessSegment failed: %v", err)
	}

	// Fresh request survives the sweep.
	expired, err := mgr.ExpireStale(ctx, 72*time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if expired != 0 {
		t.Errorf("expired = %d, want 0", expired)
	}

	req := repo.requests[outcome.RequestID]
	req.CreatedAt = time.Now().Add(-100 * time.Hour)
	repo.requests[outcome.RequestID] = req

	expired, err = mgr.ExpireStale(ctx, 72*time.Hour)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}
	got, _ := repo.GetRequest(ctx, outcome.RequestID)
	if got.Status != repository.RequestStatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("ResolvedAt not set on expiry")
	}
}

func TestSamplesForVoiceCapsLimit(t *testing.T) {
	repo := newMockRepo()
	for i := 0; i < maxSnippets+5; i++ {
		_ = repo.InsertSample(context.Background(), repository.SampleRef{
			ID:      fmt.Sprintf("seg-%d", i),
			VoiceID: "voice-1",
			URL:     fmt.Sprintf("s3://samples/voice-1/seg-%d.pcm", i),
		})
	}
	mgr := newTestManager(repo)

	refs, err := mgr.SamplesForVoice(context.Background(), "voice-1", 0)
	if err != nil {
		t.Fatalf("SamplesForVoice failed: %v", err)
	}
	if len(refs) != maxSnippets {
		t.Errorf("sample count = %d, want %d", len(refs), maxSnippets)
	}

	refs, err = mgr.SamplesForVoice(context.Background(), "voice-1", 3)
	if err != nil {
		t.Fatalf("SamplesForVoice failed: %v", err)
	}
	if len(refs) != 3 {
		t.Errorf("sample count = %d, want 3", len(refs))
	}
}
