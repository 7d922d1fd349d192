package session

import (
	"errors"
	"sync"

	"github.com/HumanbiOS/HumanBios-WebSocket/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoActiveChannel = errors.New("no active channel bound to session")
)

// Conn is the slice of a duplex connection the session needs for routing.
// *websocket.Conn satisfies it. The connection is owned by the network
// layer; the session only holds a reference.
type Conn interface {
	WriteJSON(v interface{}) error
}

// Session is the server-side identity for one chat user: a bounded history,
// an optional bound connection, and a display name. One mutex serializes the
// connection handler and the callback handler touching the same session.
type Session struct {
	ID string

	mu      sync.Mutex
	name    string
	conn    Conn
	history *History
}

func newSession(id string) *Session {
	return &Session{
		ID:      id,
		history: NewHistory(MaxHistory),
	}
}

// Bind attaches a live connection, unconditionally replacing any prior
// binding: only the most recent channel receives pushes. A non-empty name
// updates the display name.
func (s *Session) Bind(conn Conn, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	if name != "" {
		s.name = name
	}
}

// Unbind clears the binding, but only while conn is still the bound
// connection. A stale connection's deferred close never clears a newer
// binding established by a reconnect.
func (s *Session) Unbind(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

// Name returns the display name provided at bind time, if any.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Record appends a rendered message to the history.
func (s *Session) Record(msg chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Append(msg)
}

// Deliver appends msg to the history and pushes frame over the bound
// connection as one admitted operation. The append sticks even when no
// channel is bound (ErrNoActiveChannel) so a later reconnect replays it.
// A write failure clears the binding; the peer is gone.
func (s *Session) Deliver(msg chat.Message, frame interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Append(msg)
	if s.conn == nil {
		return ErrNoActiveChannel
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.conn = nil
		return err
	}
	return nil
}

// Send pushes a frame without recording it. Used for control and error
// frames that are not part of the conversation.
func (s *Session) Send(frame interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNoActiveChannel
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.conn = nil
		return err
	}
	return nil
}

// Replay writes every buffered message to the bound connection, oldest to
// newest, rendering each through render (last marks the newest entry). It
// holds the session lock for the whole pass so a concurrent delivery cannot
// interleave mid-replay; nothing is re-appended. Returns how many frames
// were sent; zero with a nil error means the history was empty.
func (s *Session) Replay(render func(msg chat.Message, last bool) interface{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.history.Len()
	if n == 0 {
		return 0, nil
	}
	if s.conn == nil {
		return 0, ErrNoActiveChannel
	}
	for i, msg := range s.history.Snapshot() {
		if err := s.conn.WriteJSON(render(msg, i == n-1)); err != nil {
			s.conn = nil
			return i, err
		}
	}
	return n, nil
}

// HistoryLen reports the current buffer length.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Len()
}

// Transcript returns a copy of the buffered messages, oldest first.
func (s *Session) Transcript() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Snapshot()
}
