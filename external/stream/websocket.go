package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicelab/speakerd/internal/stream"
	"github.com/voicelab/speakerd/internal/token"
)

const writeTimeout = 10 * time.Second

// WebsocketDialer opens token-authenticated connections to the speech
// diarization service. Connection parameters travel as URL query values,
// the session credential as a bearer header.
type WebsocketDialer struct {
	baseURL string
	dialer  *websocket.Dialer
}

func NewWebsocketDialer(baseURL string) stream.Dialer {
	return &WebsocketDialer{
		baseURL: baseURL,
		dialer:  websocket.DefaultDialer,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, opts stream.Options, tok token.SessionToken) (stream.Conn, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	if opts.Model != "" {
		q.Set("model", opts.Model)
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Diarize {
		q.Set("diarize", "true")
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.Value)

	c, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	slog.Debug("websocket stream connected", "url", u.Redacted())
	return &wsConn{c: c}, nil
}

type wsConn struct {
	writeMu sync.Mutex
	c       *websocket.Conn
}

func (w *wsConn) SendAudio(frame []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.c.WriteMessage(websocket.BinaryMessage, frame)
}

// wireEvent is the JSON envelope the diarization service sends.
type wireEvent struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`
	Active     bool    `json:"active,omitempty"`
	Timestamp  int64   `json:"timestamp_ms,omitempty"`
}

func (w *wsConn) Receive() (stream.Event, error) {
	for {
		messageType, data, err := w.c.ReadMessage()
		if err != nil {
			return stream.Event{}, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var raw wireEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			slog.Warn("skipping undecodable stream event", "error", err, "bytes", len(data))
			continue
		}
		ts := time.UnixMilli(raw.Timestamp)
		switch raw.Type {
		case "transcript":
			return stream.Event{Transcript: &stream.TranscriptEvent{
				Text:           raw.Text,
				LocalSpeakerID: raw.Speaker,
				Confidence:     raw.Confidence,
				IsFinal:        raw.IsFinal,
				Timestamp:      ts,
			}}, nil
		case "voice_activity":
			return stream.Event{VoiceActivity: &stream.VoiceActivitySignal{
				IsActive:       raw.Active,
				LocalSpeakerID: raw.Speaker,
				Confidence:     raw.Confidence,
				Timestamp:      ts,
			}}, nil
		default:
			slog.Debug("ignoring unknown stream event type", "type", raw.Type)
		}
	}
}

func (w *wsConn) Close() error {
	w.writeMu.Lock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = w.c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()
	return w.c.Close()
}
