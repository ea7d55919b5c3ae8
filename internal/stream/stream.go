package stream

import (
	"context"
	"errors"
	"time"

	"github.com/voicelab/speakerd/internal/token"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrConnectionFailed = errors.New("stream: connection failed")
	ErrSessionClosed    = errors.New("stream: session is closed")
	ErrAlreadyStarted   = errors.New("stream: session already started")
)

// AudioChunk is one raw audio frame from the capture boundary.
type AudioChunk struct {
	Bytes      []byte
	Sequence   int
	CapturedAt time.Time
}

// VoiceActivitySignal carries the diarization output for a point in the stream.
type VoiceActivitySignal struct {
	IsActive       bool
	LocalSpeakerID string
	Confidence     float64
	Timestamp      time.Time
}

type TranscriptEvent struct {
	Text           string
	LocalSpeakerID string
	Confidence     float64
	IsFinal        bool
	Timestamp      time.Time
}

type StateChange struct {
	From State
	To   State
	Err  error
}

// Event is one item delivered to session subscribers. Exactly one of the
// pointer fields is set.
type Event struct {
	Transcript    *TranscriptEvent
	VoiceActivity *VoiceActivitySignal
	StateChange   *StateChange
}

type Options struct {
	Model    string
	Language string
	Diarize  bool
}

// Conn is one open connection to the streaming service.
type Conn interface {
	SendAudio(frame []byte) error
	// Receive blocks until the next event or a connection error.
	Receive() (Event, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, opts Options, tok token.SessionToken) (Conn, error)
}

// TokenSource is the broker contract the session manager depends on.
// *token.Broker satisfies it.
type TokenSource interface {
	GetToken(ctx context.Context) (token.SessionToken, error)
	ClearToken()
}
