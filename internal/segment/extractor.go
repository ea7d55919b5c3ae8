package segment

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/voicelab/speakerd/internal/metrics"
	"github.com/voicelab/speakerd/internal/stream"
)

// Segment is a bounded, single-speaker slice of audio with its derived
// transcript and quality score. Immutable after creation.
type Segment struct {
	ID             string
	LocalSpeakerID string
	StartTime      time.Time
	EndTime        time.Time
	AudioBytes     []byte
	TranscriptText string
	QualityScore   float64
}

func (s Segment) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

type Config struct {
	MaxDuration time.Duration
	SilenceGap  time.Duration
	MinDuration time.Duration
}

// ExtractorFactory creates a fresh extractor per meeting.
type ExtractorFactory func() *Extractor

// Extractor buffers raw audio chunks into discrete utterance segments.
// A segment closes on speaker change, on a silence gap, or when the
// accumulated duration hits the maximum cap. Not safe for concurrent use;
// each meeting owns one extractor.
type Extractor struct {
	cfg Config
	cur *accumulator
}

type accumulator struct {
	speakerID       string
	startedAt       time.Time
	lastActivity    time.Time
	audio           []byte
	transcript      strings.Builder
	confidenceSum   float64
	confidenceCount int
}

func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// Ingest consumes one audio chunk together with the diarization signal
// covering it. It returns a finished segment when a boundary was crossed,
// or nil. Malformed chunks are skipped, never surfaced as errors.
func (e *Extractor) Ingest(chunk stream.AudioChunk, signal stream.VoiceActivitySignal) *Segment {
	if len(chunk.Bytes) == 0 {
		slog.Warn("skipping empty audio chunk", "sequence", chunk.Sequence)
		return nil
	}

	var out *Segment
	if e.cur != nil {
		switch {
		case signal.Timestamp.Sub(e.cur.lastActivity) > e.cfg.SilenceGap:
			out = e.flush()
		case signal.IsActive && signal.LocalSpeakerID != "" && signal.LocalSpeakerID != e.cur.speakerID:
			out = e.flush()
		case e.cur.lastActivity.Sub(e.cur.startedAt) >= e.cfg.MaxDuration:
			out = e.flush()
		}
	}

	if signal.IsActive {
		if e.cur == nil {
			e.cur = &accumulator{
				speakerID: signal.LocalSpeakerID,
				startedAt: chunk.CapturedAt,
			}
		}
		e.cur.audio = append(e.cur.audio, chunk.Bytes...)
		e.cur.lastActivity = latest(chunk.CapturedAt, signal.Timestamp)
		e.cur.confidenceSum += signal.Confidence
		e.cur.confidenceCount++
	}
	return out
}

// AppendTranscript attaches final transcript text to the open buffer of the
// given speaker. Text for a different speaker than the buffer owner is
// dropped; it belongs to a segment already flushed or not yet started.
func (e *Extractor) AppendTranscript(localSpeakerID, text string) {
	if e.cur == nil || e.cur.speakerID != localSpeakerID {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if e.cur.transcript.Len() > 0 {
		e.cur.transcript.WriteByte(' ')
	}
	e.cur.transcript.WriteString(text)
}

// Flush closes and returns the open buffer, if any. Called at meeting end.
func (e *Extractor) Flush() *Segment {
	if e.cur == nil {
		return nil
	}
	return e.flush()
}

func (e *Extractor) flush() *Segment {
	acc := e.cur
	e.cur = nil

	duration := acc.lastActivity.Sub(acc.startedAt)
	if duration < e.cfg.MinDuration {
		slog.Debug("discarding segment below minimum duration",
			"speaker_id", acc.speakerID,
			"duration_ms", duration.Milliseconds())
		metrics.SegmentsDiscarded.Inc()
		return nil
	}

	transcript := acc.transcript.String()
	seg := &Segment{
		ID:             uuid.NewString(),
		LocalSpeakerID: acc.speakerID,
		StartTime:      acc.startedAt,
		EndTime:        acc.lastActivity,
		AudioBytes:     acc.audio,
		TranscriptText: transcript,
		QualityScore:   scoreQuality(transcript, duration, acc.meanConfidence()),
	}
	metrics.SegmentsEmitted.Inc()
	return seg
}

func (a *accumulator) meanConfidence() float64 {
	if a.confidenceCount == 0 {
		return 0
	}
	return a.confidenceSum / float64(a.confidenceCount)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
