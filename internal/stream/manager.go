package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicelab/speakerd/internal/metrics"
)

const (
	// Chunks accepted while the connection is still opening.
	maxPendingChunks = 32
	closeTimeout     = 5 * time.Second
	eventBufferSize  = 256
)

// Manager owns the lifecycle of one authenticated streaming connection.
//
// Subscribers must drain Events() until a terminal StateChange (Closed or
// Failed) arrives; the channel is never closed.
type Manager struct {
	id              string
	tokens          TokenSource
	dialer          Dialer
	opts            Options
	connectTimeout  time.Duration
	reconnectWindow time.Duration
	now             func() time.Time

	events chan Event

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            int
	pending        [][]byte
	lastUnexpected time.Time
}

// ManagerFactory creates a session manager for one meeting.
type ManagerFactory func(sessionID string) *Manager

func NewManager(sessionID string, tokens TokenSource, dialer Dialer, opts Options, connectTimeout, reconnectWindow time.Duration) *Manager {
	return &Manager{
		id:              sessionID,
		tokens:          tokens,
		dialer:          dialer,
		opts:            opts,
		connectTimeout:  connectTimeout,
		reconnectWindow: reconnectWindow,
		now:             time.Now,
		events:          make(chan Event, eventBufferSize),
		state:           StateIdle,
	}
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.state = StateConnecting
	m.mu.Unlock()
	m.emitStateChange(StateIdle, StateConnecting, nil)

	conn, err := m.connect(ctx)
	if err != nil {
		m.transition(StateFailed, err)
		return err
	}
	if !m.attachConn(conn) {
		// Stopped while connecting.
		_ = conn.Close()
		return ErrSessionClosed
	}
	slog.Info("streaming session open", "session_id", m.id)
	return nil
}

// SendAudio forwards one audio frame to the streaming service. While the
// session is still connecting a bounded number of frames is buffered; a
// closed or failed session fails fast.
func (m *Manager) SendAudio(chunk AudioChunk) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		if len(m.pending) >= maxPendingChunks {
			m.pending = m.pending[1:]
			slog.Warn("pending audio buffer full; dropping oldest frame", "session_id", m.id)
		}
		frame := make([]byte, len(chunk.Bytes))
		copy(frame, chunk.Bytes)
		m.pending = append(m.pending, frame)
		m.mu.Unlock()
		return nil
	case StateOpen:
		conn := m.conn
		m.mu.Unlock()
		return conn.SendAudio(chunk.Bytes)
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrSessionClosed, state)
	}
}

// Stop closes the session. It is idempotent; a second call is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateClosed, StateClosing:
		m.mu.Unlock()
		return nil
	case StateFailed:
		m.state = StateClosed
		m.mu.Unlock()
		m.emitStateChange(StateFailed, StateClosed, nil)
		return nil
	}
	from := m.state
	m.state = StateClosing
	conn := m.conn
	m.conn = nil
	m.gen++
	m.pending = nil
	m.mu.Unlock()
	m.emitStateChange(from, StateClosing, nil)

	if conn != nil {
		closeConnBounded(m.id, conn)
	}
	m.transition(StateClosed, nil)
	slog.Info("streaming session closed", "session_id", m.id)
	return nil
}

func (m *Manager) connect(ctx context.Context) (Conn, error) {
	tok, err := m.tokens.GetToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	conn, err := m.dialer.Dial(dialCtx, m.opts, tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return conn, nil
}

func (m *Manager) attachConn(conn Conn) bool {
	m.mu.Lock()
	if m.state != StateConnecting {
		m.mu.Unlock()
		return false
	}
	from := m.state
	m.state = StateOpen
	m.conn = conn
	m.gen++
	gen := m.gen
	buffered := m.pending
	m.pending = nil
	m.mu.Unlock()
	m.emitStateChange(from, StateOpen, nil)

	for _, frame := range buffered {
		if err := conn.SendAudio(frame); err != nil {
			slog.Warn("failed to flush buffered audio frame", "error", err, "session_id", m.id)
			break
		}
	}
	go m.readLoop(conn, gen)
	return true
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		ev, err := conn.Receive()
		if err != nil {
			m.handleDisconnect(conn, gen, err)
			return
		}
		m.events <- ev
	}
}

// handleDisconnect performs at most one automatic reconnect per window. A
// second unexpected close inside the window surfaces a connection error.
func (m *Manager) handleDisconnect(conn Conn, gen int, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateOpen {
		// The session initiated this close or a newer connection took over.
		m.mu.Unlock()
		return
	}
	now := m.now()
	withinWindow := !m.lastUnexpected.IsZero() && now.Sub(m.lastUnexpected) < m.reconnectWindow
	m.lastUnexpected = now
	from := m.state
	if withinWindow {
		m.state = StateFailed
		m.conn = nil
		m.mu.Unlock()
		slog.Error("second unexpected close within reconnect window; giving up", "session_id", m.id, "error", cause)
		m.emitStateChange(from, StateFailed, fmt.Errorf("%w: %v", ErrConnectionFailed, cause))
		return
	}
	m.state = StateConnecting
	m.conn = nil
	m.mu.Unlock()
	_ = conn.Close()
	slog.Warn("unexpected stream close; reconnecting once", "session_id", m.id, "error", cause)
	m.emitStateChange(from, StateConnecting, nil)
	metrics.StreamReconnects.Inc()

	next, err := m.connect(context.Background())
	if err != nil {
		m.transition(StateFailed, err)
		slog.Error("stream reconnect failed", "session_id", m.id, "error", err)
		return
	}
	if !m.attachConn(next) {
		_ = next.Close()
		return
	}
	slog.Info("stream reconnected", "session_id", m.id)
}

func (m *Manager) transition(to State, err error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	if to == StateFailed || to == StateClosed {
		m.conn = nil
		m.pending = nil
	}
	m.mu.Unlock()
	m.emitStateChange(from, to, err)
}

func (m *Manager) emitStateChange(from, to State, err error) {
	m.events <- Event{StateChange: &StateChange{From: from, To: to, Err: err}}
}

// closeConnBounded releases the connection but never blocks shutdown on a
// misbehaving remote peer.
func closeConnBounded(sessionID string, conn Conn) {
	done := make(chan error, 1)
	go func() {
		done <- conn.Close()
	}()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("stream connection close returned error", "error", err, "session_id", sessionID)
		}
	case <-time.After(closeTimeout):
		slog.Warn("stream connection close timed out; proceeding with cleanup", "session_id", sessionID)
	}
}
