package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelab/speakerd/internal/identify"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/stream"
)

type mockMeetings struct {
	mu      sync.Mutex
	started []string
	stopped []string
	chunks  map[string][][]byte
}

func newMockMeetings() *mockMeetings {
	return &mockMeetings{chunks: make(map[string][][]byte)}
}

func (m *mockMeetings) StartMeeting(_ context.Context, meetingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, meetingID)
	return nil
}

func (m *mockMeetings) PushAudio(_ context.Context, meetingID string, chunk stream.AudioChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make([]byte, len(chunk.Bytes))
	copy(data, chunk.Bytes)
	m.chunks[meetingID] = append(m.chunks[meetingID], data)
	return nil
}

func (m *mockMeetings) StopMeeting(_ context.Context, meetingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, meetingID)
	return nil
}

type mockResolver struct {
	mu             sync.Mutex
	decisions      []identify.Decision
	errByID        map[string]error
	requests       []repository.IdentificationRequest
	samplesByVoice map[string][]repository.SampleRef
}

func (m *mockResolver) Resolve(_ context.Context, d identify.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	if err, ok := m.errByID[d.RequestID]; ok {
		return err
	}
	return nil
}

func (m *mockResolver) ResolveBatch(ctx context.Context, decisions []identify.Decision) []identify.BatchResult {
	results := make([]identify.BatchResult, 0, len(decisions))
	for _, d := range decisions {
		results = append(results, identify.BatchResult{RequestID: d.RequestID, Err: m.Resolve(ctx, d)})
	}
	return results
}

func (m *mockResolver) RequestsForMeeting(_ context.Context, _ string) ([]repository.IdentificationRequest, error) {
	return m.requests, nil
}

func (m *mockResolver) SamplesForVoice(_ context.Context, voiceID string, _ int) ([]repository.SampleRef, error) {
	return m.samplesByVoice[voiceID], nil
}

func newTestServer(meetings *mockMeetings, resolver *mockResolver) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("127.0.0.1:0", meetings, resolver, logger)
	return httptest.NewServer(srv.httpServe.Handler)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(newMockMeetings(), &mockResolver{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAudioSocketDrivesMeetingLifecycle(t *testing.T) {
	meetings := newMockMeetings()
	ts := newTestServer(meetings, &mockResolver{})
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/meetings/meeting-1/audio"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	frames := [][]byte{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write audio frame failed: %v", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"stop"}`)); err != nil {
		t.Fatalf("write stop failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		meetings.mu.Lock()
		stopped := len(meetings.stopped)
		meetings.mu.Unlock()
		if stopped == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("meeting was not stopped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	meetings.mu.Lock()
	defer meetings.mu.Unlock()
	if len(meetings.started) != 1 || meetings.started[0] != "meeting-1" {
		t.Errorf("started = %v, want [meeting-1]", meetings.started)
	}
	got := meetings.chunks["meeting-1"]
	if len(got) != len(frames) {
		t.Fatalf("chunk count = %d, want %d", len(got), len(frames))
	}
	for i, frame := range frames {
		if !bytes.Equal(got[i], frame) {
			t.Errorf("chunk %d = %v, want %v", i, got[i], frame)
		}
	}
}

func TestListRequests(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	resolver := &mockResolver{
		requests: []repository.IdentificationRequest{{
			ID:        "req-1",
			VoiceID:   "voice-1",
			MeetingID: "meeting-1",
			Status:    repository.RequestStatusSuggested,
			SuggestedMatches: []repository.MatchSuggestion{{
				CandidateVoiceID: "cand-1",
				UserName:         "Yui",
				Confidence:       0.68,
				Evidence:         []string{"closely matched pitch range"},
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}},
		samplesByVoice: map[string][]repository.SampleRef{
			"voice-1": {{
				ID:              "seg-1",
				VoiceID:         "voice-1",
				URL:             "s3://samples/voice-1/seg-1.pcm",
				Transcript:      "hello everyone",
				Quality:         0.8,
				DurationSeconds: 2.5,
				CapturedAt:      now,
			}},
		},
	}
	ts := newTestServer(newMockMeetings(), resolver)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/meetings/meeting-1/requests")
	if err != nil {
		t.Fatalf("GET requests failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var views []requestView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("request count = %d, want 1", len(views))
	}
	if views[0].ID != "req-1" || views[0].Status != "suggested" {
		t.Errorf("view = %+v", views[0])
	}
	if len(views[0].SuggestedMatches) != 1 || views[0].SuggestedMatches[0].UserName != "Yui" {
		t.Errorf("suggestions = %+v", views[0].SuggestedMatches)
	}
	if len(views[0].Samples) != 1 || views[0].Samples[0].URL != "s3://samples/voice-1/seg-1.pcm" {
		t.Errorf("samples = %+v", views[0].Samples)
	}
	if views[0].Samples[0].Transcript != "hello everyone" {
		t.Errorf("sample transcript = %q", views[0].Samples[0].Transcript)
	}
}

func TestResolveStatusMapping(t *testing.T) {
	resolver := &mockResolver{errByID: map[string]error{
		"missing": identify.ErrRequestNotFound,
		"closed":  identify.ErrRequestClosed,
	}}
	ts := newTestServer(newMockMeetings(), resolver)
	defer ts.Close()

	cases := []struct {
		requestID string
		want      int
	}{
		{"req-1", http.StatusNoContent},
		{"missing", http.StatusNotFound},
		{"closed", http.StatusConflict},
	}
	for _, tc := range cases {
		body := bytes.NewBufferString(`{"identified":true,"user_id":"u1","user_name":"Yui"}`)
		resp, err := http.Post(ts.URL+"/v1/requests/"+tc.requestID+"/resolve", "application/json", body)
		if err != nil {
			t.Fatalf("POST resolve %s failed: %v", tc.requestID, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("resolve %s: status = %d, want %d", tc.requestID, resp.StatusCode, tc.want)
		}
	}

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if len(resolver.decisions) != 3 {
		t.Fatalf("decision count = %d, want 3", len(resolver.decisions))
	}
	if !resolver.decisions[0].Identified || resolver.decisions[0].UserName != "Yui" {
		t.Errorf("decision = %+v", resolver.decisions[0])
	}
}

func TestResolveBatchRespondsPerDecision(t *testing.T) {
	resolver := &mockResolver{errByID: map[string]error{
		"missing": identify.ErrRequestNotFound,
	}}
	ts := newTestServer(newMockMeetings(), resolver)
	defer ts.Close()

	payload := `{"decisions":[
		{"request_id":"req-1","identified":true,"user_id":"u1","user_name":"Yui"},
		{"request_id":"missing","identified":false}
	]}`
	resp, err := http.Post(ts.URL+"/v1/requests/resolve-batch", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST batch failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var results []batchResultView
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("result count = %d, want 2", len(results))
	}
	if !results[0].OK || results[0].RequestID != "req-1" {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].OK || results[1].Error == "" {
		t.Errorf("second result = %+v", results[1])
	}
}
