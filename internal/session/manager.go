package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/support-bridge/internal/audit"
	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/model"
	"github.com/openclaw/support-bridge/internal/sse"
	"github.com/openclaw/support-bridge/internal/tunnel"
	"github.com/openclaw/support-bridge/internal/util"
)

const storeTimeout = 5 * time.Second

// Lifecycle event types published for a session.
const (
	EventSessionActive   = "session.active"
	EventSessionClosed   = "session.closed"
	EventConsoleAttached = "console.attached"
	EventConsoleDetached = "console.detached"
)

// Store persists the Verified -> Active -> Closed transitions. Both calls
// are conditional and report false when the record was not in the
// expected state.
type Store interface {
	Activate(ctx context.Context, sessionID string) (bool, error)
	Close(ctx context.Context, sessionID string, reason string) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, sessionID string, event sse.Event) error
}

type Options struct {
	HandshakeTimeout time.Duration
	HeartbeatTimeout time.Duration
}

// LifecycleEvent is the payload of every published session event.
type LifecycleEvent struct {
	SessionID string     `json:"session_id"`
	Role      model.Role `json:"role,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	At        time.Time  `json:"at"`
}

// Info describes a live session for status queries.
type Info struct {
	SessionID       string     `json:"session_id"`
	ConsoleAttached bool       `json:"console_attached"`
	ConsoleRole     model.Role `json:"console_role,omitempty"`
	RemoteLastSeen  time.Time  `json:"remote_last_seen"`
}

// Manager owns the registry of Active sessions and routes frames between
// each session's remote machine and its console.
type Manager struct {
	store  Store
	events EventPublisher
	opts   Options

	mu       sync.Mutex
	sessions map[string]*Session
	closing  bool
}

func NewManager(store Store, events EventPublisher, opts Options) *Manager {
	return &Manager{
		store:    store,
		events:   events,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Session is one Active tunnel. It exists from handshake until close.
type Session struct {
	id      string
	remote  *tunnel.Conn
	monitor *tunnel.Monitor

	mu      sync.Mutex
	console *attachment
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

type attachment struct {
	conn    *tunnel.Conn
	role    model.Role
	monitor *tunnel.Monitor
}

// HandleRemote runs the remote side of a tunnel: handshake, activation and
// the read loop. It returns when the session ends.
func (m *Manager) HandleRemote(ctx context.Context, conn *tunnel.Conn) error {
	hello, err := conn.ReadFrameWithin(m.opts.HandshakeTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("remote handshake not received")
		appErr := apperrors.Protocol("handshake not received")
		m.rejectConn(conn, appErr)
		return appErr
	}
	if hello.Type != tunnel.FrameHandshake || !util.IsValidUUID(hello.SessionID) {
		appErr := apperrors.Protocol("first frame must be a handshake carrying a session_id")
		m.rejectConn(conn, appErr)
		return appErr
	}

	s, err := m.reserve(hello.SessionID, conn)
	if err != nil {
		log.Warn().Str("sessionId", hello.SessionID).Msg("duplicate remote handshake")
		m.rejectConn(conn, err)
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	ok, err := m.store.Activate(storeCtx, s.id)
	cancel()
	if err != nil || !ok {
		m.release(s)
		if err != nil {
			log.Error().Err(err).Str("sessionId", s.id).Msg("failed to activate session")
			err = apperrors.Database(err)
		} else {
			err = apperrors.SessionNotFound()
		}
		m.rejectConn(conn, err)
		return err
	}

	if err := conn.WriteFrame(tunnel.Frame{Type: tunnel.FrameHandshakeAck, SessionID: s.id}); err != nil {
		m.closeSession(s, model.CloseReasonSocketError)
		return err
	}

	log.Info().Str("sessionId", s.id).Msg("session active")
	audit.Log(ctx, audit.Event{Type: audit.EventSessionActive, SessionID: s.id})
	m.publish(s.id, EventSessionActive, LifecycleEvent{SessionID: s.id})

	s.mu.Lock()
	if !s.closed {
		s.monitor = tunnel.StartMonitor(m.opts.HeartbeatTimeout, conn.LastActivity, func() {
			log.Warn().Str("sessionId", s.id).Msg("remote heartbeat timeout")
			m.closeSession(s, model.CloseReasonHeartbeatTimeout)
		})
	}
	s.mu.Unlock()

	m.remoteLoop(s)
	return nil
}

func (m *Manager) remoteLoop(s *Session) {
	for {
		f, err := s.remote.ReadFrame()
		if errors.Is(err, tunnel.ErrMalformedFrame) {
			m.sendError(s.remote, "", apperrors.Protocol("malformed frame"))
			continue
		}
		if err != nil {
			reason := model.CloseReasonSocketError
			if tunnel.IsClosed(err) {
				reason = model.CloseReasonDisconnect
			}
			m.closeSession(s, reason)
			return
		}

		switch {
		case f.Type == tunnel.FrameHeartbeat:
			m.sendFrame(s.remote, tunnel.Frame{Type: tunnel.FrameHeartbeatAck})
		case f.Type == tunnel.FrameDisconnect:
			m.closeSession(s, model.CloseReasonDisconnect)
			return
		case f.Type.FromRemote():
			f.SessionID = s.id
			s.toConsole(*f)
		default:
			m.sendError(s.remote, f.CommandID, apperrors.Protocol("frame type "+string(f.Type)+" is not accepted from the remote"))
		}
	}
}

// HandleConsole attaches a console to an Active session and runs its read
// loop. It returns when the console detaches or the session closes.
func (m *Manager) HandleConsole(ctx context.Context, sessionID string, role model.Role, conn *tunnel.Conn) error {
	if !role.Valid() {
		appErr := apperrors.InvalidInput("role", "must be requester, agent or admin")
		m.rejectConn(conn, appErr)
		return appErr
	}

	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		appErr := apperrors.SessionNotFound()
		m.rejectConn(conn, appErr)
		return appErr
	}

	att := &attachment{conn: conn, role: role}
	if err := s.attach(att); err != nil {
		m.rejectConn(conn, err)
		return err
	}

	if err := conn.WriteFrame(tunnel.Frame{Type: tunnel.FrameHandshakeAck, SessionID: s.id, Role: role}); err != nil {
		m.detach(s, att, model.CloseReasonSocketError)
		return err
	}

	log.Info().Str("sessionId", s.id).Str("role", string(role)).Msg("console attached")
	audit.Log(ctx, audit.Event{Type: audit.EventConsoleAttach, SessionID: s.id, Role: string(role)})
	m.publish(s.id, EventConsoleAttached, LifecycleEvent{SessionID: s.id, Role: role})

	s.mu.Lock()
	if s.console == att {
		att.monitor = tunnel.StartMonitor(m.opts.HeartbeatTimeout, conn.LastActivity, func() {
			log.Warn().Str("sessionId", s.id).Msg("console heartbeat timeout")
			m.detach(s, att, model.CloseReasonHeartbeatTimeout)
		})
	}
	s.mu.Unlock()

	m.consoleLoop(s, att)
	return nil
}

func (m *Manager) consoleLoop(s *Session, att *attachment) {
	for {
		f, err := att.conn.ReadFrame()
		if errors.Is(err, tunnel.ErrMalformedFrame) {
			m.sendError(att.conn, "", apperrors.Protocol("malformed frame"))
			continue
		}
		if err != nil {
			reason := model.CloseReasonSocketError
			if tunnel.IsClosed(err) {
				reason = model.CloseReasonDisconnect
			}
			m.detach(s, att, reason)
			return
		}

		switch {
		case f.Type == tunnel.FrameHeartbeat:
			m.sendFrame(att.conn, tunnel.Frame{Type: tunnel.FrameHeartbeatAck})
		case f.Type == tunnel.FrameDisconnect:
			m.detach(s, att, model.CloseReasonDisconnect)
			return
		case f.Type.FromConsole():
			f.SessionID = s.id
			if f.Type == tunnel.FrameExecute {
				// The remote authorizes against the role the console
				// attached with, never one it claims per frame.
				f.Role = att.role
			}
			if err := s.remote.WriteFrame(*f); err != nil {
				log.Warn().Err(err).Str("sessionId", s.id).Msg("failed to forward frame to remote")
				m.sendError(att.conn, f.CommandID, apperrors.Protocol("remote is not reachable"))
			}
		default:
			m.sendError(att.conn, f.CommandID, apperrors.Protocol("frame type "+string(f.Type)+" is not accepted from the console"))
		}
	}
}

// Close ends a session from the server side, e.g. an operator action.
func (m *Manager) Close(sessionID, reason string) bool {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	m.closeSession(s, reason)
	return true
}

// Shutdown closes every session and refuses new handshakes.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(s, model.CloseReasonShutdown)
	}

	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Info().Int("count", len(sessions)).Msg("sessions closed for shutdown")
	return nil
}

// Lookup reports live state for an Active session.
func (m *Manager) Lookup(sessionID string) (Info, bool) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	m.mu.Unlock()
	if s == nil {
		return Info{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{SessionID: s.id, RemoteLastSeen: s.remote.LastActivity()}
	if s.console != nil {
		info.ConsoleAttached = true
		info.ConsoleRole = s.console.role
	}
	return info, true
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) reserve(sessionID string, conn *tunnel.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, apperrors.Protocol("server is shutting down")
	}
	if _, exists := m.sessions[sessionID]; exists {
		return nil, apperrors.SessionAlreadyActive()
	}
	s := &Session{id: sessionID, remote: conn, done: make(chan struct{})}
	m.sessions[sessionID] = s
	return s, nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}

func (s *Session) attach(att *attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.SessionNotFound()
	}
	if s.console != nil {
		return apperrors.SessionAlreadyActive()
	}
	s.console = att
	return nil
}

// toConsole forwards a remote frame. Frames are dropped while no console
// is attached.
func (s *Session) toConsole(f tunnel.Frame) {
	s.mu.Lock()
	att := s.console
	s.mu.Unlock()

	if att == nil {
		log.Debug().Str("sessionId", s.id).Str("type", string(f.Type)).Msg("no console attached, dropping frame")
		return
	}
	if err := att.conn.WriteFrame(f); err != nil {
		log.Debug().Err(err).Str("sessionId", s.id).Msg("failed to forward frame to console")
	}
}

// detach removes att from s if it is still the current console. The
// session stays Active.
func (m *Manager) detach(s *Session, att *attachment, reason string) {
	s.mu.Lock()
	current := s.console == att
	if current {
		s.console = nil
	}
	monitor := att.monitor
	s.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	_ = att.conn.Close(reason)

	if current {
		log.Info().Str("sessionId", s.id).Str("reason", reason).Msg("console detached")
		m.publish(s.id, EventConsoleDetached, LifecycleEvent{SessionID: s.id, Role: att.role, Reason: reason})
	}
}

// closeSession tears a session down exactly once: the console is told why,
// both sockets close and the record is marked consumed.
func (m *Manager) closeSession(s *Session, reason string) {
	s.closeOnce.Do(func() {
		m.release(s)

		s.mu.Lock()
		s.closed = true
		att := s.console
		s.console = nil
		remoteMonitor := s.monitor
		var consoleMonitor *tunnel.Monitor
		if att != nil {
			consoleMonitor = att.monitor
		}
		s.mu.Unlock()

		if remoteMonitor != nil {
			remoteMonitor.Stop()
		}

		if att != nil {
			if consoleMonitor != nil {
				consoleMonitor.Stop()
			}
			_ = att.conn.WriteFrame(tunnel.DisconnectFrame(reason))
			_ = att.conn.Close(reason)
		}

		_ = s.remote.WriteFrame(tunnel.DisconnectFrame(reason))
		_ = s.remote.Close(reason)

		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if _, err := m.store.Close(ctx, s.id, reason); err != nil {
			log.Error().Err(err).Str("sessionId", s.id).Msg("failed to persist session close")
		}

		log.Info().Str("sessionId", s.id).Str("reason", reason).Msg("session closed")
		audit.Log(ctx, audit.Event{
			Type:      audit.EventSessionClosed,
			SessionID: s.id,
			Details:   map[string]interface{}{"reason": reason},
		})
		m.publish(s.id, EventSessionClosed, LifecycleEvent{SessionID: s.id, Reason: reason})

		close(s.done)
	})
}

func (m *Manager) publish(sessionID, eventType string, payload LifecycleEvent) {
	if m.events == nil {
		return
	}
	payload.At = time.Now()
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.events.Publish(ctx, sessionID, sse.Event{Type: eventType, Data: data}); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Str("event", eventType).Msg("failed to publish session event")
	}
}

func (m *Manager) sendFrame(conn *tunnel.Conn, f tunnel.Frame) {
	if err := conn.WriteFrame(f); err != nil {
		log.Debug().Err(err).Str("type", string(f.Type)).Msg("failed to send frame")
	}
}

func (m *Manager) sendError(conn *tunnel.Conn, commandID string, err error) {
	m.sendFrame(conn, tunnel.ErrorFrame(commandID, err))
}

func (m *Manager) rejectConn(conn *tunnel.Conn, err error) {
	m.sendError(conn, "", err)
	_ = conn.Close(string(apperrors.GetCode(err)))
}
