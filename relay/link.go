package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var errLinkClosed = errors.New("backend link closed")

// link is an open WebSocket to the backend. It implements session.Link.
type link struct {
	conn  *websocket.Conn
	grace time.Duration

	// gorilla/websocket supports a single concurrent writer
	writeMu sync.Mutex

	closing   atomic.Bool
	closeOnce sync.Once
}

func newLink(conn *websocket.Conn, grace time.Duration) *link {
	l := &link{conn: conn, grace: grace}
	conn.SetCloseHandler(func(code int, text string) error {
		// the backend closed first; echo without a reason and stop writing
		l.markClosed()
		msg := websocket.FormatCloseMessage(code, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return nil
	})
	return l
}

func (l *link) isOpen() bool {
	return !l.closing.Load()
}

func (l *link) write(messageType int, data []byte) error {
	if l.closing.Load() {
		return errLinkClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(messageType, data)
}

func (l *link) writeControl(messageType int, data []byte) error {
	return l.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// closeWith sends a close frame to the backend and gives it the grace period
// to echo before the read loop gives up. Only the first call has an effect.
func (l *link) closeWith(code int, reason string) {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = l.conn.SetReadDeadline(time.Now().Add(l.grace))
	})
}

// markClosed stops further writes without sending a close frame.
func (l *link) markClosed() {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
	})
}

// Close is called when the owning session closes, e.g. on shutdown.
func (l *link) Close() {
	l.closeWith(websocket.CloseGoingAway, "proxy closing")
}
