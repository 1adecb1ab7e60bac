// Package relay bridges each dashboard WebSocket to its own WebSocket on the
// backend and copies frames verbatim in both directions.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	defaults "github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hvacmon/dashproxy/metrics"
	"github.com/hvacmon/dashproxy/session"
	"github.com/hvacmon/dashproxy/util"
)

// Config contains the run time parameters for the relay.
type Config struct {
	// TargetURL is the backend WebSocket endpoint.
	TargetURL string

	// Origin is sent on every backend handshake.
	Origin string `default:"https://localhost"`

	// ProxyURL is reported to clients in PROXY_CONNECTED.
	ProxyURL string

	ConnectTimeout time.Duration `default:"10s"`

	// InsecureSkipVerify disables verification of the backend certificate.
	InsecureSkipVerify bool

	// CloseGrace bounds the wait for the backend to echo a close frame.
	CloseGrace time.Duration `default:"1s"`
}

// Engine serves relay sessions.
type Engine struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	defaults.SetDefaults(&cfg)
	if logger == nil {
		logger = util.NilLogger()
	}
	return &Engine{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy: http.ProxyFromEnvironment,
			// the dial outlives the connect timeout so that the timeout is
			// always the one reported
			HandshakeTimeout:  cfg.ConnectTimeout + cfg.CloseGrace,
			EnableCompression: false,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- self-signed backend
			},
		},
		logger:  logger,
		metrics: m,
	}
}

// TargetFor returns the backend URL for a client presenting token.
func TargetFor(base, token string) string {
	return util.AppendToken(base, token)
}

// RedactedTarget strips the token from a backend URL for display.
func RedactedTarget(target string) string {
	return util.RedactToken(target)
}

// bridge is the state of one relayed session.
type bridge struct {
	e      *Engine
	s      *session.Session
	log    *logrus.Entry
	target string

	// settled is set by whichever of connect timeout, dial completion and
	// client departure happens first
	settled atomic.Bool
	// closed is set by whichever side closes first once the link is open
	closed atomic.Bool

	m          sync.Mutex
	link       *link
	clientGone bool
}

// Serve relays s until both sides have closed.
func (e *Engine) Serve(s *session.Session) {
	b := &bridge{
		e:      e,
		s:      s,
		target: TargetFor(e.cfg.TargetURL, s.Token),
	}
	b.log = s.Log().WithField("target", RedactedTarget(b.target))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := s.Conn()
	conn.SetPingHandler(b.clientControl(websocket.PingMessage))
	conn.SetPongHandler(b.clientControl(websocket.PongMessage))

	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		b.connect(ctx)
	}()

	b.readClient()
	cancel()
	<-backendDone
	b.log.Debug("relay finished")
}

// connect dials the backend and, once open, runs the backend read loop.
func (b *bridge) connect(ctx context.Context) {
	timeout := b.e.cfg.ConnectTimeout
	b.log.Debugf("dialing backend, timeout %s", timeout)

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	results := make(chan dialResult, 1)
	go func() {
		header := make(http.Header)
		header.Set("Origin", b.e.cfg.Origin)
		conn, resp, err := b.e.dialer.DialContext(dialCtx, b.target, header)
		results <- dialResult{conn, resp, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var r dialResult
	select {
	case <-timer.C:
		if b.settled.CompareAndSwap(false, true) {
			cancelDial()
			b.e.metrics.ConnectTimeout()
			b.log.Warnf("backend did not open within %s", timeout)
			if err := b.s.SendError(fmt.Sprintf("backend connection timed out after %s", timeout)); err != nil {
				b.log.Debugf("could not send error: %v", err)
			}
			b.s.Close(session.CloseConnectTimeout, "backend connection timeout")
		}
		(<-results).discard()
		return
	case <-ctx.Done():
		(<-results).discard()
		return
	case r = <-results:
	}

	if !b.settled.CompareAndSwap(false, true) {
		r.discard()
		return
	}
	if r.err != nil {
		b.log.Errorf("could not dial backend: %v", r.err)
		if err := b.s.SendError(dialErrorMessage(r.resp, r.err)); err != nil {
			b.log.Debugf("could not send error: %v", err)
		}
		// abnormal closure: no close frame
		b.s.Drop()
		return
	}

	l := newLink(r.conn, b.e.cfg.CloseGrace)
	defer func() {
		_ = r.conn.Close()
	}()
	b.m.Lock()
	if b.clientGone {
		b.m.Unlock()
		return
	}
	b.link = l
	b.m.Unlock()
	if !b.s.ReplaceLink(l) {
		return
	}
	defer b.s.ReleaseLink(l)

	r.conn.SetPingHandler(forwardControl(b, websocket.PingMessage))
	r.conn.SetPongHandler(forwardControl(b, websocket.PongMessage))

	hello := session.ProxyConnected{
		Type:         session.TypeProxyConnected,
		Message:      "Connected to backend",
		Proxy:        b.e.cfg.ProxyURL,
		Target:       RedactedTarget(b.target),
		ConnectionID: b.s.ID,
		Timestamp:    session.Timestamp(time.Now()),
	}
	if err := b.s.WriteJSON(hello); err != nil {
		b.log.Debugf("could not confirm connection: %v", err)
	}
	b.log.Info("backend connected")

	b.readBackend(l)
}

// readBackend copies backend frames to the client until the backend closes.
func (b *bridge) readBackend(l *link) {
	for {
		mtype, data, err := l.conn.ReadMessage()
		if err != nil {
			b.backendClosed(l, err)
			return
		}
		if !b.s.Open() {
			b.log.Debugf("client not open, dropping backend frame (%d bytes)", len(data))
			b.e.metrics.FrameDropped(metrics.ToClient)
			continue
		}
		if err := b.s.WriteMessage(mtype, data); err != nil {
			b.log.Debugf("could not forward backend frame: %v", err)
			b.e.metrics.FrameDropped(metrics.ToClient)
			continue
		}
		b.e.metrics.FrameRelayed(metrics.ToClient)
	}
}

// readClient copies client frames to the backend until the client closes.
// Frames arriving while the backend is not open are dropped.
func (b *bridge) readClient() {
	conn := b.s.Conn()
	for {
		mtype, data, err := conn.ReadMessage()
		if err != nil {
			b.clientClosed(err)
			return
		}
		l := b.current()
		if l == nil || !l.isOpen() {
			b.log.Debugf("backend not open, dropping client frame (%d bytes)", len(data))
			b.e.metrics.FrameDropped(metrics.ToBackend)
			continue
		}
		if err := l.write(mtype, data); err != nil {
			// the backend read loop decides when the link is closed
			b.log.Errorf("could not forward client frame: %v", err)
			b.e.metrics.FrameDropped(metrics.ToBackend)
			if err := b.s.SendError("could not forward message to backend"); err != nil {
				b.log.Debugf("could not send error: %v", err)
			}
			continue
		}
		b.e.metrics.FrameRelayed(metrics.ToBackend)
	}
}

func (b *bridge) current() *link {
	b.m.Lock()
	defer b.m.Unlock()
	return b.link
}

// backendClosed propagates the backend's close code and reason to the client.
func (b *bridge) backendClosed(l *link, err error) {
	l.markClosed()
	if b.closed.Swap(true) {
		// the client closed first; this is the echo or the grace expiring
		return
	}

	code, reason := 0, ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		code, reason = ce.Code, ce.Text
		b.log.Infof("backend closed: code=%d reason=%q", code, reason)
	} else {
		b.log.Errorf("backend read failed: %v", err)
		if werr := b.s.SendError("backend connection error"); werr != nil {
			b.log.Debugf("could not send error: %v", werr)
		}
	}
	if !session.Sendable(code) {
		code, reason = session.CloseDefault, ""
	}
	if reason == "" {
		reason = "backend disconnected"
	}
	b.s.Close(code, reason)
}

// clientClosed propagates the client's close code and reason to the backend.
func (b *bridge) clientClosed(err error) {
	code, reason := session.CloseDefault, ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if session.Sendable(ce.Code) {
			code, reason = ce.Code, ce.Text
		}
		b.log.Debugf("client closed: code=%d reason=%q", ce.Code, ce.Text)
	} else if b.s.Open() {
		b.log.Errorf("client read failed: %v", err)
	}

	b.m.Lock()
	b.clientGone = true
	l := b.link
	b.m.Unlock()

	b.settled.CompareAndSwap(false, true)
	if l != nil && !b.closed.Swap(true) {
		l.closeWith(code, reason)
	}
}

// clientControl forwards pings and pongs from the client to the backend, or
// answers pings itself while the backend is not open.
func (b *bridge) clientControl(messageType int) func(string) error {
	return func(appData string) error {
		if l := b.current(); l != nil && l.isOpen() {
			if err := l.writeControl(messageType, []byte(appData)); err != nil {
				b.log.Debugf("could not forward control frame: %v", err)
			}
			return nil
		}
		if messageType == websocket.PingMessage {
			if err := b.s.WriteControl(websocket.PongMessage, []byte(appData)); err != nil {
				b.log.Debugf("could not answer ping: %v", err)
			}
		}
		return nil
	}
}

// forwardControl forwards pings and pongs from the backend to the client.
func forwardControl(b *bridge, messageType int) func(string) error {
	return func(appData string) error {
		if err := b.s.WriteControl(messageType, []byte(appData)); err != nil {
			b.log.Debugf("could not forward control frame: %v", err)
		}
		return nil
	}
}

type dialResult struct {
	conn *websocket.Conn
	resp *http.Response
	err  error
}

// discard closes a connection nobody is waiting for any more.
func (r dialResult) discard() {
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func dialErrorMessage(resp *http.Response, err error) string {
	if resp != nil {
		return fmt.Sprintf("backend rejected the connection: HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("could not connect to backend: %v", errors.Cause(err))
}
