// Package poll simulates a live feed for dashboard clients by fetching a
// backend REST path at a fixed interval and forwarding every result.
package poll

import (
	"context"
	"encoding/json"
	"time"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hvacmon/dashproxy/backend"
	"github.com/hvacmon/dashproxy/metrics"
	"github.com/hvacmon/dashproxy/session"
	"github.com/hvacmon/dashproxy/util"
)

// Fetcher retrieves a JSON document from the backend. *backend.Client
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, path, token string) (json.RawMessage, error)
}

// Policy decides which fetch failures are reported to the client.
type Policy int

const (
	// ReportFirstFailureOnly reports a failure of the initial fetch and
	// silently skips failed ticks afterwards.
	ReportFirstFailureOnly Policy = iota
	// ReportEveryFailure sends an ERROR frame for every failed fetch.
	ReportEveryFailure
)

func (p Policy) String() string {
	if p == ReportEveryFailure {
		return "report-every-failure"
	}
	return "report-first-failure-only"
}

type Config struct {
	// Interval between fetches once a subscription is established.
	Interval time.Duration `default:"2s"`

	Policy Policy
}

// Engine serves poll sessions.
type Engine struct {
	fetcher Fetcher
	cfg     Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func New(fetcher Fetcher, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Engine {
	defaults.SetDefaults(&cfg)
	if logger == nil {
		logger = util.NilLogger()
	}
	return &Engine{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Serve reads subscription requests from s until the connection fails. The
// active subscription is cancelled before Serve returns.
func (e *Engine) Serve(s *session.Session) {
	defer s.ReplaceLink(nil)

	conn := s.Conn()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.Log().Debugf("read loop finished: %v", err)
			return
		}
		sub, err := parseSubscribe(data)
		if err != nil {
			s.Log().Warnf("dropping malformed message: %v", err)
			continue
		}
		e.subscribe(s, sub.Path)
	}
}

// link is a running poll loop for one path.
type link struct {
	cancel context.CancelFunc
	// closed once the link is installed on its session
	ready chan struct{}
	done  chan struct{}
}

// Close stops the loop, aborting any fetch in flight, and waits for it.
func (l *link) Close() {
	l.cancel()
	<-l.done
}

// subscribe replaces the session's link with a poll loop for path. The old
// loop has finished before the new one fetches anything.
func (e *Engine) subscribe(s *session.Session, path string) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.run(ctx, s, path, l)
	if s.ReplaceLink(l) {
		close(l.ready)
	}
}

func (e *Engine) run(ctx context.Context, s *session.Session, path string, l *link) {
	defer close(l.done)
	defer s.ReleaseLink(l)
	defer l.cancel()

	select {
	case <-l.ready:
	case <-ctx.Done():
		return
	}

	log := s.Log().WithField("path", path)
	log.Debug("subscribed")

	if !e.forward(ctx, s, log, path, true) {
		// no ticker after an initial failure
		return
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("subscription cancelled")
			return
		case <-ticker.C:
			e.forward(ctx, s, log, path, false)
		}
	}
}

// forward performs one fetch and sends the result to the client. It reports
// whether an UPDATE was sent.
func (e *Engine) forward(ctx context.Context, s *session.Session, log *logrus.Entry, path string, initial bool) bool {
	value, err := e.fetcher.Fetch(ctx, path, s.Token)
	if ctx.Err() != nil {
		// superseded or closed; nothing may reach the client any more
		return false
	}
	if err != nil {
		e.metrics.BackendFetch(outcome(err))
		if !initial && e.cfg.Policy == ReportFirstFailureOnly {
			log.Debugf("skipping failed tick: %s", detail(err))
			return false
		}
		log.Warnf("fetch failed: %s", detail(err))
		if werr := s.SendError(err.Error()); werr != nil {
			log.Debugf("could not send error: %v", werr)
		}
		return false
	}
	e.metrics.BackendFetch("ok")

	update := session.Update{Type: session.TypeUpdate, Path: path, Value: value}
	if err := s.WriteJSON(update); err != nil {
		log.Debugf("could not send update: %v", err)
		e.metrics.FrameDropped(metrics.ToClient)
		return false
	}
	e.metrics.FrameRelayed(metrics.ToClient)
	return true
}

func outcome(err error) string {
	var fe *backend.FetchError
	if errors.As(err, &fe) {
		return fe.Kind.String()
	}
	return "error"
}

// detail includes the cause a FetchError keeps out of client messages.
func detail(err error) string {
	var fe *backend.FetchError
	if errors.As(err, &fe) {
		return fe.Detail()
	}
	return err.Error()
}
