package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelab/speakerd/internal/identify"
	"github.com/voicelab/speakerd/internal/metrics"
	"github.com/voicelab/speakerd/internal/repository"
	"github.com/voicelab/speakerd/internal/segment"
	"github.com/voicelab/speakerd/internal/stream"
	"github.com/voicelab/speakerd/internal/voiceprint"
)

var (
	// ErrMeetingActive reports a start against a meeting that is already
	// running in this process.
	ErrMeetingActive = errors.New("meeting already active")

	// ErrMeetingNotFound reports audio or a stop for an unknown meeting.
	ErrMeetingNotFound = errors.New("meeting not active")
)

const (
	// Segments queued per speaker awaiting voiceprint extraction.
	speakerQueueSize = 32
	drainTimeout     = 10 * time.Second
)

// Coordinator drives the live path for every active meeting: audio in,
// diarized segments out, each segment scored and routed to the identity
// layer. One streaming session and one extractor per meeting; one worker
// per observed speaker so a speaker's segments resolve in capture order.
type Coordinator struct {
	streams    stream.ManagerFactory
	extractors segment.ExtractorFactory
	prints     voiceprint.Extractor
	identities *identify.Manager
	meetings   repository.MeetingRepository
	logger     *slog.Logger
	now        func() time.Time
	drain      time.Duration

	mu     sync.Mutex
	active map[string]*meetingSession
}

type meetingSession struct {
	id        string
	stream    *stream.Manager
	extractor *segment.Extractor

	ctx    context.Context
	cancel context.CancelFunc

	// extMu guards the extractor, the last diarization signal, and the
	// speaker bookkeeping. The stream manager has its own locking.
	extMu      sync.Mutex
	lastSignal stream.VoiceActivitySignal
	stopped    bool
	voiceIDs   map[string]string
	queues     map[string]chan *segment.Segment

	// senders counts dispatches between queue lookup and send completion.
	// Queues close only once it drains, so no sender ever holds a closed
	// channel.
	senders    sync.WaitGroup
	eventsDone chan struct{}
	workers    sync.WaitGroup
}

func NewCoordinator(
	streams stream.ManagerFactory,
	extractors segment.ExtractorFactory,
	prints voiceprint.Extractor,
	identities *identify.Manager,
	meetings repository.MeetingRepository,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		streams:    streams,
		extractors: extractors,
		prints:     prints,
		identities: identities,
		meetings:   meetings,
		logger:     logger,
		now:        time.Now,
		drain:      drainTimeout,
		active:     make(map[string]*meetingSession),
	}
}

// StartMeeting opens the streaming session for a meeting and begins
// consuming its events. A running row left behind by a crash is closed out
// before the new meeting starts.
func (c *Coordinator) StartMeeting(ctx context.Context, meetingID string) error {
	c.mu.Lock()
	if _, ok := c.active[meetingID]; ok {
		c.mu.Unlock()
		return ErrMeetingActive
	}
	c.mu.Unlock()

	orphan, err := c.meetings.GetRunningMeeting(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("check running meeting: %w", err)
	}
	if orphan != nil {
		c.logger.Warn("closing orphaned meeting row", "meetingId", meetingID)
		if err := c.meetings.UpdateMeetingCompleted(ctx, repository.CompleteMeetingInput{
			MeetingID: meetingID,
			EndedAt:   c.now(),
		}); err != nil {
			return fmt.Errorf("close orphaned meeting: %w", err)
		}
	}
	if _, err := c.meetings.CreateMeeting(ctx, repository.CreateMeetingInput{
		MeetingID: meetingID,
		StartedAt: c.now(),
	}); err != nil {
		return fmt.Errorf("create meeting: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	session := &meetingSession{
		id:         meetingID,
		stream:     c.streams(meetingID),
		extractor:  c.extractors(),
		ctx:        sessionCtx,
		cancel:     cancel,
		voiceIDs:   make(map[string]string),
		queues:     make(map[string]chan *segment.Segment),
		eventsDone: make(chan struct{}),
	}

	if err := session.stream.Start(ctx); err != nil {
		cancel()
		if endErr := c.meetings.UpdateMeetingCompleted(ctx, repository.CompleteMeetingInput{
			MeetingID: meetingID,
			EndedAt:   c.now(),
		}); endErr != nil {
			c.logger.Error("failed to close meeting after stream start failure",
				"meetingId", meetingID, "error", endErr)
		}
		return fmt.Errorf("start stream: %w", err)
	}

	c.mu.Lock()
	c.active[meetingID] = session
	c.mu.Unlock()

	go c.consumeEvents(session)
	metrics.MeetingsActive.Inc()
	c.logger.Info("meeting started", "meetingId", meetingID)
	return nil
}

// PushAudio forwards one captured audio chunk into the meeting's stream and
// the segment extractor. Segments finished by this chunk are handed to the
// speaker's worker.
func (c *Coordinator) PushAudio(ctx context.Context, meetingID string, chunk stream.AudioChunk) error {
	session, err := c.session(meetingID)
	if err != nil {
		return err
	}

	if err := session.stream.SendAudio(chunk); err != nil {
		return fmt.Errorf("forward audio: %w", err)
	}
	metrics.AudioChunks.Inc()

	session.extMu.Lock()
	signal := session.lastSignal
	finished := session.extractor.Ingest(chunk, signal)
	session.extMu.Unlock()

	if finished != nil {
		c.dispatch(session, finished)
	}
	return nil
}

// StopMeeting closes the streaming session, flushes the open segment, and
// waits a bounded time for the speaker workers to drain.
func (c *Coordinator) StopMeeting(ctx context.Context, meetingID string) error {
	c.mu.Lock()
	session, ok := c.active[meetingID]
	if ok {
		delete(c.active, meetingID)
	}
	c.mu.Unlock()
	if !ok {
		return ErrMeetingNotFound
	}

	if err := session.stream.Stop(); err != nil {
		c.logger.Warn("stream stop returned error", "meetingId", meetingID, "error", err)
	}
	<-session.eventsDone

	session.extMu.Lock()
	tail := session.extractor.Flush()
	var tailQueue chan *segment.Segment
	if tail != nil {
		tailQueue = c.speakerQueueLocked(session, tail.LocalSpeakerID)
	}
	session.stopped = true
	session.extMu.Unlock()

	// The drain goroutine closes the queues only after every in-flight
	// dispatch has finished its send. Cancelling the session after the
	// drain window unparks any sender still waiting on a full queue.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		if tail != nil {
			select {
			case tailQueue <- tail:
			case <-session.ctx.Done():
				c.logger.Warn("dropping final segment; speaker queue full at meeting stop",
					"meetingId", session.id, "segmentId", tail.ID)
			}
		}
		session.senders.Wait()
		session.extMu.Lock()
		for _, q := range session.queues {
			close(q)
		}
		session.extMu.Unlock()
		session.workers.Wait()
	}()
	select {
	case <-drained:
	case <-time.After(c.drain):
		c.logger.Warn("speaker workers did not drain in time", "meetingId", meetingID)
	}
	session.cancel()

	if err := c.meetings.UpdateMeetingCompleted(ctx, repository.CompleteMeetingInput{
		MeetingID: meetingID,
		EndedAt:   c.now(),
	}); err != nil {
		return fmt.Errorf("complete meeting: %w", err)
	}
	metrics.MeetingsActive.Dec()
	c.logger.Info("meeting stopped", "meetingId", meetingID)
	return nil
}

// Shutdown stops every active meeting. Used on process exit.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.StopMeeting(ctx, id); err != nil && !errors.Is(err, ErrMeetingNotFound) {
			c.logger.Error("failed to stop meeting during shutdown", "meetingId", id, "error", err)
		}
	}
}

// ActiveMeetings returns the ids of meetings this process is driving.
func (c *Coordinator) ActiveMeetings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) session(meetingID string) (*meetingSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.active[meetingID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMeetingNotFound, meetingID)
	}
	return session, nil
}

// consumeEvents feeds transcript text and diarization signals from the
// stream into the extractor until the session reaches a terminal state.
func (c *Coordinator) consumeEvents(session *meetingSession) {
	defer close(session.eventsDone)
	for ev := range session.stream.Events() {
		switch {
		case ev.VoiceActivity != nil:
			session.extMu.Lock()
			session.lastSignal = *ev.VoiceActivity
			session.extMu.Unlock()
		case ev.Transcript != nil:
			if !ev.Transcript.IsFinal {
				continue
			}
			session.extMu.Lock()
			session.extractor.AppendTranscript(ev.Transcript.LocalSpeakerID, ev.Transcript.Text)
			session.extMu.Unlock()
		case ev.StateChange != nil:
			sc := ev.StateChange
			if sc.Err != nil {
				c.logger.Error("stream state change",
					"meetingId", session.id,
					"from", sc.From.String(),
					"to", sc.To.String(),
					"error", sc.Err)
			} else {
				c.logger.Debug("stream state change",
					"meetingId", session.id,
					"from", sc.From.String(),
					"to", sc.To.String())
			}
			if sc.To == stream.StateClosed || sc.To == stream.StateFailed {
				return
			}
		}
	}
}

// dispatch hands a finished segment to the owning speaker's worker, starting
// the worker on first sight of the speaker. Send order is capture order, so
// each speaker's segments resolve FIFO. A send parked on a full queue gives
// up once the session is cancelled, so stop is never held hostage by a slow
// worker.
func (c *Coordinator) dispatch(session *meetingSession, seg *segment.Segment) {
	session.extMu.Lock()
	if session.stopped {
		session.extMu.Unlock()
		c.logger.Warn("dropping segment finished after meeting stop",
			"meetingId", session.id, "segmentId", seg.ID)
		return
	}
	q := c.speakerQueueLocked(session, seg.LocalSpeakerID)
	session.senders.Add(1)
	session.extMu.Unlock()
	defer session.senders.Done()

	select {
	case q <- seg:
	case <-session.ctx.Done():
		c.logger.Warn("dropping segment; speaker queue full at meeting stop",
			"meetingId", session.id, "segmentId", seg.ID)
	}
}

// speakerQueueLocked returns the speaker's segment queue, creating the
// queue, voice id, and worker on first sight. Callers hold extMu.
func (c *Coordinator) speakerQueueLocked(session *meetingSession, localSpeakerID string) chan *segment.Segment {
	q, ok := session.queues[localSpeakerID]
	if !ok {
		q = make(chan *segment.Segment, speakerQueueSize)
		session.queues[localSpeakerID] = q
		voiceID := uuid.NewString()
		session.voiceIDs[localSpeakerID] = voiceID
		session.workers.Add(1)
		go c.speakerWorker(session, voiceID, q)
	}
	return q
}

func (c *Coordinator) speakerWorker(session *meetingSession, voiceID string, queue <-chan *segment.Segment) {
	defer session.workers.Done()
	for seg := range queue {
		c.resolveSegment(session, voiceID, seg)
	}
}

func (c *Coordinator) resolveSegment(session *meetingSession, voiceID string, seg *segment.Segment) {
	ctx := session.ctx
	acoustic, err := c.prints.Extract(ctx, seg.AudioBytes)
	if err != nil {
		c.logger.Error("voiceprint extraction failed; segment dropped",
			"meetingId", session.id,
			"segmentId", seg.ID,
			"error", err)
		return
	}
	acoustic.Quality = seg.QualityScore
	acoustic.DurationSeconds = seg.Duration().Seconds()

	outcome, err := c.identities.ProcessSegment(ctx, session.id, voiceID, *seg, acoustic)
	if err != nil {
		c.logger.Error("segment identification failed",
			"meetingId", session.id,
			"segmentId", seg.ID,
			"error", err)
		return
	}
	if outcome.MatchedVoiceID != "" {
		c.logger.Info("segment resolved to known voice",
			"meetingId", session.id,
			"segmentId", seg.ID,
			"voiceId", outcome.MatchedVoiceID,
			"confidence", outcome.Confidence)
	} else {
		c.logger.Debug("segment routed to identification request",
			"meetingId", session.id,
			"segmentId", seg.ID,
			"requestId", outcome.RequestID,
			"status", string(outcome.RequestStatus))
	}
}
