package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicelab/speakerd/internal/identify"
	"github.com/voicelab/speakerd/internal/ingest"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/stream"
)

const (
	readLimit       = 1 << 20 // 1 MiB per frame
	shutdownTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 4 * 1024,
}

// Server exposes the capture websocket and the identification HTTP API.
type Server struct {
	addr      string
	meetings  ingest.MeetingController
	requests  ingest.RequestResolver
	logger    *slog.Logger
	httpServe *http.Server
}

func NewServer(addr string, meetings ingest.MeetingController, requests ingest.RequestResolver, logger *slog.Logger) *Server {
	s := &Server{
		addr:     addr,
		meetings: meetings,
		requests: requests,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/meetings/{id}/audio", s.handleAudio)
	mux.HandleFunc("GET /v1/meetings/{id}/requests", s.handleListRequests)
	mux.HandleFunc("POST /v1/requests/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /v1/requests/resolve-batch", s.handleResolveBatch)

	s.httpServe = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ingest server listening", "addr", s.addr)
		errCh <- s.httpServe.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServe.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ingest server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// controlMessage is the JSON sent by capture clients on the audio socket.
type controlMessage struct {
	Action string `json:"action"`
}

// handleAudio owns one meeting for the lifetime of the websocket: the
// meeting starts on connect, binary frames carry raw audio, and the meeting
// stops when the client sends a stop control message or drops.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")
	if meetingID == "" {
		http.Error(w, "meeting id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "meetingId", meetingID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	if err := s.meetings.StartMeeting(ctx, meetingID); err != nil {
		s.logger.Error("failed to start meeting", "meetingId", meetingID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "start failed"),
			time.Now().Add(time.Second))
		return
	}
	defer func() {
		if err := s.meetings.StopMeeting(context.Background(), meetingID); err != nil {
			s.logger.Error("failed to stop meeting", "meetingId", meetingID, "error", err)
		}
	}()

	seq := 0
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("audio socket read failed", "meetingId", meetingID, "error", err)
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			seq++
			chunk := stream.AudioChunk{
				Bytes:      data,
				Sequence:   seq,
				CapturedAt: time.Now(),
			}
			if err := s.meetings.PushAudio(ctx, meetingID, chunk); err != nil {
				s.logger.Error("failed to push audio", "meetingId", meetingID, "error", err)
				return
			}
		case websocket.TextMessage:
			var ctrl controlMessage
			if err := json.Unmarshal(data, &ctrl); err != nil {
				s.logger.Warn("undecodable control message", "meetingId", meetingID, "error", err)
				continue
			}
			if ctrl.Action == "stop" {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
		}
	}
}

type requestView struct {
	ID                string                         `json:"id"`
	VoiceID           string                         `json:"voice_id"`
	MeetingID         string                         `json:"meeting_id"`
	Status            string                         `json:"status"`
	SampleTranscripts []repository.TranscriptSnippet `json:"sample_transcripts"`
	SuggestedMatches  []repository.MatchSuggestion   `json:"suggested_matches"`
	Samples           []sampleView                   `json:"samples"`
	CreatedAt         time.Time                      `json:"created_at"`
	UpdatedAt         time.Time                      `json:"updated_at"`
	ResolvedAt        *time.Time                     `json:"resolved_at,omitempty"`
}

// sampleView points a reviewer at the stored audio behind a request.
type sampleView struct {
	URL             string    `json:"url"`
	Transcript      string    `json:"transcript,omitempty"`
	Quality         float64   `json:"quality"`
	DurationSeconds float64   `json:"duration_seconds"`
	CapturedAt      time.Time `json:"captured_at"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("id")
	requests, err := s.requests.RequestsForMeeting(r.Context(), meetingID)
	if err != nil {
		s.logger.Error("failed to list requests", "meetingId", meetingID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]requestView, 0, len(requests))
	for _, req := range requests {
		refs, err := s.requests.SamplesForVoice(r.Context(), req.VoiceID, 0)
		if err != nil {
			s.logger.Error("failed to list samples for request",
				"requestId", req.ID, "voiceId", req.VoiceID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		samples := make([]sampleView, 0, len(refs))
		for _, ref := range refs {
			samples = append(samples, sampleView{
				URL:             ref.URL,
				Transcript:      ref.Transcript,
				Quality:         ref.Quality,
				DurationSeconds: ref.DurationSeconds,
				CapturedAt:      ref.CapturedAt,
			})
		}
		views = append(views, requestView{
			ID:                req.ID,
			VoiceID:           req.VoiceID,
			MeetingID:         req.MeetingID,
			Status:            string(req.Status),
			SampleTranscripts: req.SampleTranscripts,
			SuggestedMatches:  req.SuggestedMatches,
			Samples:           samples,
			CreatedAt:         req.CreatedAt,
			UpdatedAt:         req.UpdatedAt,
			ResolvedAt:        req.ResolvedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type resolveBody struct {
	Identified       bool   `json:"identified"`
	CandidateVoiceID string `json:"candidate_voice_id"`
	UserID           string `json:"user_id"`
	UserName         string `json:"user_name"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	err := s.requests.Resolve(r.Context(), identify.Decision{
		RequestID:        requestID,
		Identified:       body.Identified,
		CandidateVoiceID: body.CandidateVoiceID,
		UserID:           body.UserID,
		UserName:         body.UserName,
	})
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, identify.ErrRequestNotFound):
		http.Error(w, "request not found", http.StatusNotFound)
	case errors.Is(err, identify.ErrRequestClosed):
		http.Error(w, "request already resolved", http.StatusConflict)
	default:
		s.logger.Error("failed to resolve request", "requestId", requestID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type batchBody struct {
	Decisions []struct {
		RequestID string `json:"request_id"`
		resolveBody
	} `json:"decisions"`
}

type batchResultView struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleResolveBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	decisions := make([]identify.Decision, 0, len(body.Decisions))
	for _, d := range body.Decisions {
		decisions = append(decisions, identify.Decision{
			RequestID:        d.RequestID,
			Identified:       d.Identified,
			CandidateVoiceID: d.CandidateVoiceID,
			UserID:           d.UserID,
			UserName:         d.UserName,
		})
	}

	results := s.requests.ResolveBatch(r.Context(), decisions)
	views := make([]batchResultView, 0, len(results))
	for _, res := range results {
		view := batchResultView{RequestID: res.RequestID, OK: res.Err == nil}
		if res.Err != nil {
			view.Error = res.Err.Error()
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
