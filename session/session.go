// Package session holds the state of one accepted dashboard WebSocket
// connection and the registry of all open connections.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/hvacmon/dashproxy/util"
)

// Mode names the engine serving a session.
type Mode string

const (
	ModeRelay Mode = "relay"
	ModePoll  Mode = "poll"
)

// ErrClosed is returned when writing to a session which is closing.
var ErrClosed = errors.New("session closed")

// Link is the backend side of a session: a relayed WebSocket or a poll loop.
// Close must release everything the link holds and may block until the
// link's goroutines have returned.
type Link interface {
	Close()
}

// Config describes a session at accept time.
type Config struct {
	// ID is generated with NewID when empty.
	ID         string
	Mode       Mode
	RemoteAddr string

	// Token is the bearer token forwarded to the backend, possibly empty.
	Token string

	// CloseGrace bounds how long the read side waits for the peer to echo a
	// close frame.
	CloseGrace time.Duration `default:"1s"`

	// WriteTimeout bounds every write to the client.
	WriteTimeout time.Duration `default:"10s"`
}

// Session is an accepted client connection. It owns at most one Link at a
// time; no link survives the session.
type Session struct {
	ID         string
	Mode       Mode
	RemoteAddr string
	Token      string
	Accepted   time.Time

	conn *websocket.Conn
	cfg  Config
	log  *logrus.Entry

	// gorilla/websocket supports a single concurrent writer
	writeMu sync.Mutex

	mu      sync.Mutex
	link    Link
	closing bool
	dropped bool
	done    chan struct{}
}

// New wraps an upgraded connection.
func New(conn *websocket.Conn, cfg Config, logger *logrus.Logger) *Session {
	defaults.SetDefaults(&cfg)
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if logger == nil {
		logger = util.NilLogger()
	}
	return &Session{
		ID:         cfg.ID,
		Mode:       cfg.Mode,
		RemoteAddr: cfg.RemoteAddr,
		Token:      cfg.Token,
		Accepted:   time.Now(),
		conn:       conn,
		cfg:        cfg,
		log:        util.ConnEntry(logger, cfg.ID, cfg.RemoteAddr),
		done:       make(chan struct{}),
	}
}

// Conn returns the client connection. Only the engine serving the session
// may read from it; writes must go through the Session.
func (s *Session) Conn() *websocket.Conn {
	return s.conn
}

// Log returns an entry tagged with the session's id and remote address.
func (s *Session) Log() *logrus.Entry {
	return s.log
}

func (s *Session) logf(format string, a ...interface{}) {
	s.log.Debugf(format, a...)
}

func (s *Session) logerrorf(format string, a ...interface{}) {
	s.log.Errorf(format, a...)
}

// Done is closed once the session starts closing.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Open reports whether frames may still be sent to the client.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closing
}

// WriteMessage sends a data frame to the client.
func (s *Session) WriteMessage(messageType int, data []byte) error {
	if !s.Open() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// WriteJSON sends v as a text frame.
func (s *Session) WriteJSON(v interface{}) error {
	if !s.Open() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteJSON(v)
}

// WriteControl sends a ping or pong. It is safe to call concurrently with
// the other write methods.
func (s *Session) WriteControl(messageType int, data []byte) error {
	return s.conn.WriteControl(messageType, data, time.Now().Add(s.cfg.WriteTimeout))
}

// SendError sends an ERROR frame. Relay sessions tag it with the
// connection id.
func (s *Session) SendError(msg string) error {
	frame := Error{Type: TypeError, Error: msg}
	if s.Mode == ModeRelay {
		frame.ConnectionID = s.ID
	}
	return s.WriteJSON(frame)
}

// ReplaceLink closes the current link, waiting for it to finish, then
// installs l. It returns false, after closing l, if the session is already
// closing.
func (s *Session) ReplaceLink(l Link) bool {
	s.mu.Lock()
	prev := s.link
	s.link = nil
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if l != nil {
			l.Close()
		}
		return false
	}
	s.link = l
	s.mu.Unlock()
	return true
}

// ReleaseLink forgets l if it is still the active link. Links that end on
// their own call this so that a later close does not close them twice.
func (s *Session) ReleaseLink(l Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == l {
		s.link = nil
	}
}

// beginClose marks the session as closing and detaches its link. It returns
// false if the session was already closing.
func (s *Session) beginClose() (Link, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, false
	}
	s.closing = true
	close(s.done)
	l := s.link
	s.link = nil
	return l, true
}

// Close closes the link and sends a close frame to the client. Codes which
// may not appear on the wire are replaced by CloseDefault. The read side is
// given CloseGrace to receive the client's echo. Close is idempotent.
func (s *Session) Close(code int, reason string) {
	l, ok := s.beginClose()
	if !ok {
		return
	}
	if l != nil {
		l.Close()
	}
	if !Sendable(code) {
		code = CloseDefault
	}
	s.logf("closing session: code=%d reason=%q", code, reason)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.logf("could not send close frame: %v", err)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.CloseGrace))
}

// Drop closes the link and the underlying transport without a close frame.
// Clients observe an abnormal closure (1006). Drop is safe to call after
// Close and is idempotent.
func (s *Session) Drop() {
	if l, ok := s.beginClose(); ok && l != nil {
		l.Close()
	}
	s.mu.Lock()
	if s.dropped {
		s.mu.Unlock()
		return
	}
	s.dropped = true
	s.mu.Unlock()
	if err := s.conn.Close(); err != nil {
		s.logerrorf("could not close connection: %v", err)
	}
}
