package stream

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StatePending State = iota
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var ErrSessionClosed = errors.New("session closed")

// Session is one client connection. Send may be called from any goroutine;
// frames reach the client in the order Send acquired the write lock.
type Session struct {
	userID       uuid.UUID
	conn         *websocket.Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter

	writeMu   sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn, writeTimeout time.Duration, limiter *rate.Limiter) *Session {
	return &Session{
		conn:         conn,
		writeTimeout: writeTimeout,
		limiter:      limiter,
		done:         make(chan struct{}),
	}
}

// UserID is the authenticated identity, uuid.Nil before authentication
func (s *Session) UserID() uuid.UUID {
	return s.userID
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send writes one frame
func (s *Session) Send(f Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if s.conn == nil {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(f)
}

func (s *Session) ping() error {
	if s.conn == nil {
		return ErrSessionClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// Close sends a close frame best-effort and releases the connection. Safe to
// call more than once and concurrently with Send.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		if s.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}
