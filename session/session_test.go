package session

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvacmon/dashproxy/util"
)

var upgrader = websocket.Upgrader{}

// newSessionPair upgrades one connection and returns the server-side session
// and the client connection. The server side keeps reading until the
// connection fails, like an engine would.
func newSessionPair(t *testing.T, mode Mode) (*Session, *websocket.Conn) {
	t.Helper()
	sessions := make(chan *Session, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := New(conn, Config{Mode: mode, RemoteAddr: r.RemoteAddr}, util.NilLogger())
		sessions <- s
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.Drop()
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial(util.MakeWsURL(server.URL), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case s := <-sessions:
		return s, client
	case <-time.After(5 * time.Second):
		t.Fatal("session was not created")
	}
	return nil, nil
}

type fakeLink struct {
	m      sync.Mutex
	closed int
}

func (l *fakeLink) Close() {
	l.m.Lock()
	defer l.m.Unlock()
	l.closed++
}

func (l *fakeLink) count() int {
	l.m.Lock()
	defer l.m.Unlock()
	return l.closed
}

func TestNewID(t *testing.T) {
	re := regexp.MustCompile(`^conn-\d{13}-[A-Za-z0-9_-]{8}$`)
	id := NewID()
	assert.Regexp(t, re, id)
}

func TestSendable(t *testing.T) {
	for _, code := range []int{1000, 1001, 1008, 1011, 3000, 4000, 4999} {
		assert.True(t, Sendable(code), "code %d", code)
	}
	for _, code := range []int{0, 999, 1004, 1005, 1006, 1015, 2000, 5000} {
		assert.False(t, Sendable(code), "code %d", code)
	}
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 5e6, time.FixedZone("x", 3600))
	assert.Equal(t, "2024-03-01T11:30:00.005Z", Timestamp(ts))
}

func TestSendErrorRelayCarriesID(t *testing.T) {
	s, client := newSessionPair(t, ModeRelay)
	require.NoError(t, s.SendError("backend down"))

	var frame Error
	require.NoError(t, client.ReadJSON(&frame))
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "backend down", frame.Error)
	assert.Equal(t, s.ID, frame.ConnectionID)
}

func TestSendErrorPollOmitsID(t *testing.T) {
	s, client := newSessionPair(t, ModePoll)
	require.NoError(t, s.SendError("nope"))

	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ERROR","error":"nope"}`, string(data))
}

func TestCloseSendsCodeAndReason(t *testing.T) {
	s, client := newSessionPair(t, ModeRelay)
	s.Close(CloseShutdown, "server shutdown")

	_, _, err := client.ReadMessage()
	require.True(t, websocket.IsCloseError(err, CloseShutdown), "unexpected error: %v", err)
	assert.Equal(t, "server shutdown", err.(*websocket.CloseError).Text)

	assert.False(t, s.Open())
	assert.ErrorIs(t, s.WriteJSON(map[string]string{}), ErrClosed)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestCloseUnsendableCodeFallsBack(t *testing.T) {
	s, client := newSessionPair(t, ModeRelay)
	s.Close(websocket.CloseAbnormalClosure, "gone")

	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseDefault), "unexpected error: %v", err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, client := newSessionPair(t, ModeRelay)
	link := &fakeLink{}
	require.True(t, s.ReplaceLink(link))

	s.Close(4000, "first")
	s.Close(4001, "second")
	s.Drop()

	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, 4000), "unexpected error: %v", err)
	assert.Equal(t, 1, link.count())
}

func TestDropIsAbnormalClosure(t *testing.T) {
	s, client := newSessionPair(t, ModeRelay)
	s.Drop()

	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseAbnormalClosure), "unexpected error: %v", err)
}

func TestReplaceLinkClosesPrevious(t *testing.T) {
	s, _ := newSessionPair(t, ModePoll)
	a, b, c := &fakeLink{}, &fakeLink{}, &fakeLink{}

	require.True(t, s.ReplaceLink(a))
	require.True(t, s.ReplaceLink(b))
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 0, b.count())

	s.Close(CloseDefault, "")
	assert.Equal(t, 1, b.count())

	// no link may be installed once the session is closing
	assert.False(t, s.ReplaceLink(c))
	assert.Equal(t, 1, c.count())
}

func TestReleaseLink(t *testing.T) {
	s, _ := newSessionPair(t, ModePoll)
	a, b := &fakeLink{}, &fakeLink{}

	require.True(t, s.ReplaceLink(a))
	s.ReleaseLink(b)
	s.ReleaseLink(a)
	s.Close(CloseDefault, "")
	assert.Equal(t, 0, a.count())
}
