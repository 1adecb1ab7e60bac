// Package wsclient is a WebSocket client which reconnects after a fixed delay
// whenever the connection drops, until it is told to disconnect.
package wsclient

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/websocket"
	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/hvacmon/dashproxy/util"
)

// Config is used to set up a Client.
type Config struct {
	// URL of the proxy endpoint, e.g. ws://localhost:8080/ws?token=...
	URL    string
	Header http.Header

	// RetryDelay is the fixed wait between connection attempts.
	RetryDelay time.Duration `default:"3s"`

	Logger *logrus.Logger

	// OnMessage is called from the read goroutine for every data frame.
	OnMessage func(messageType int, data []byte)

	// OnStateChange is called whenever the connected state flips.
	OnStateChange func(connected bool)
}

type clientState int

const (
	stateIdle clientState = iota
	stateConnecting
	stateRunning
	stateClosed
)

// Client keeps one WebSocket open to URL.
type Client struct {
	cfg    Config
	logger *logrus.Logger
	dialer *websocket.Dialer

	m      sync.Mutex
	state  clientState
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	// gorilla/websocket supports a single concurrent writer
	writeMu   sync.Mutex
	connected atomic.Bool
}

func New(cfg Config) *Client {
	defaults.SetDefaults(&cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = util.NilLogger()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials URL, retrying every RetryDelay until it succeeds, the
// handshake is refused with a 4xx status or ctx is done. Once connected the
// client reconnects by itself until Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	c.m.Lock()
	if c.state == stateConnecting || c.state == stateRunning {
		c.m.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.state = stateConnecting
	c.cancel = cancel
	c.m.Unlock()

	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	stop := context.AfterFunc(runCtx, cancelDial)
	defer stop()

	conn, err := c.dial(dialCtx)
	if err != nil {
		cancel()
		c.m.Lock()
		if c.state == stateConnecting {
			c.state = stateIdle
		}
		c.m.Unlock()
		return err
	}

	// a Disconnect from here on finds conn installed and closes it
	c.m.Lock()
	if c.state != stateConnecting {
		c.m.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.state = stateRunning
	c.done = make(chan struct{})
	done := c.done
	c.m.Unlock()

	c.setConnected(true)
	go c.run(runCtx, conn, done)
	return nil
}

// Disconnect closes the connection with a normal closure and stops any
// reconnection. It waits for the client's goroutine to exit.
func (c *Client) Disconnect() {
	c.m.Lock()
	if c.state == stateClosed || c.state == stateIdle {
		c.state = stateClosed
		c.m.Unlock()
		return
	}
	c.state = stateClosed
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	done := c.done
	c.m.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Send writes v as a JSON text frame.
func (c *Client) Send(v interface{}) error {
	c.m.Lock()
	conn := c.conn
	c.m.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// attach installs conn unless the client has been disconnected, in which
// case conn is closed and attach returns false.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.m.Lock()
	if c.state == stateClosed {
		c.m.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.state = stateRunning
	c.m.Unlock()
	c.setConnected(true)
	return true
}

func (c *Client) detach(conn *websocket.Conn) {
	c.m.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.m.Unlock()
	_ = conn.Close()
	c.setConnected(false)
}

func (c *Client) setConnected(connected bool) {
	if c.connected.Swap(connected) != connected && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(connected)
	}
}

// run reads from conn and reconnects whenever it drops.
func (c *Client) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.read(conn)
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warnf("connection lost: %v; reconnecting in %s", err, c.cfg.RetryDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.RetryDelay):
		}

		conn, err = c.dial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Errorf("giving up reconnecting: %v", err)
			}
			c.m.Lock()
			if c.state != stateClosed {
				c.state = stateIdle
			}
			c.m.Unlock()
			return
		}
		if !c.attach(conn) {
			return
		}
		c.logger.Info("reconnected")
	}
}

func (c *Client) read(conn *websocket.Conn) error {
	for {
		mtype, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(mtype, data)
		}
	}
}

// dial connects with a constant backoff between attempts.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		var res *http.Response
		var err error
		conn, res, err = c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err == nil {
			return nil
		}
		if !shouldRetry(res) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debugf("dial %s failed: %v; retrying in %s", util.RedactToken(c.cfg.URL), err, wait)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.RetryDelay), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// shouldRetry reports whether a failed handshake is worth retrying. Network
// failures and 5xx responses are retried; a 4xx will not change on its own.
func shouldRetry(r *http.Response) bool {
	if r == nil {
		return true
	}
	return r.StatusCode/100 != 4
}
