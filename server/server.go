// Package server exposes the health endpoint and the WebSocket upgrade
// paths, and drains open sessions on shutdown.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	set "github.com/deckarep/golang-set"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	defaults "github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/hvacmon/dashproxy/internal/httputil"
	"github.com/hvacmon/dashproxy/metrics"
	"github.com/hvacmon/dashproxy/session"
	"github.com/hvacmon/dashproxy/util"
)

// Proxy modes.
const (
	ModeRelay = "relay"
	ModePoll  = "poll"
	ModeBoth  = "both"
)

// Engine serves one session until it ends. relay.Engine and poll.Engine
// implement it.
type Engine interface {
	Serve(s *session.Session)
}

// Engines are the strategies mounted by the server. Which ones are used
// depends on Config.Mode.
type Engines struct {
	Relay Engine
	Poll  Engine
}

// Config contains the run time parameters for the server.
type Config struct {
	Port           int
	PublicHostname string `default:"localhost"`

	// TargetURL is only reported by the health endpoint.
	TargetURL string

	Mode     string `default:"relay"`
	WSPath   string `default:"/ws"`
	PollPath string `default:"/poll"`

	Environment string `default:"development"`

	// AllowedOrigins restricts browser origins allowed to upgrade. Empty
	// allows all.
	AllowedOrigins []string

	// DefaultToken is forwarded to the backend when a client supplies none.
	DefaultToken string

	ShutdownGrace time.Duration `default:"1s"`
}

// Server is the dashboard-facing HTTP server.
type Server struct {
	cfg      Config
	engines  Engines
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	registry *session.Registry
	origins  set.Set
	upgrader websocket.Upgrader
	router   *mux.Router
	http     *http.Server

	m        sync.Mutex
	draining bool
	sessions sync.WaitGroup
}

func New(cfg Config, engines Engines, logger *logrus.Logger, m *metrics.Metrics) *Server {
	defaults.SetDefaults(&cfg)
	if logger == nil {
		logger = util.NilLogger()
	}
	s := &Server{
		cfg:      cfg,
		engines:  engines,
		logger:   logger,
		metrics:  m,
		registry: session.NewRegistry(),
		origins:  set.NewSet(),
	}
	for _, o := range cfg.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			s.origins.Add(o)
		}
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	s.router = mux.NewRouter()
	for _, svc := range s.services() {
		svc.RegisterService(s.router)
	}
	s.router.Methods(http.MethodOptions).HandlerFunc(preflight)
	s.router.NotFoundHandler = http.HandlerFunc(s.notFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.notFound)

	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, including CORS headers.
func (s *Server) Handler() http.Handler {
	return httputil.CORS(s.router)
}

// Registry returns the set of open sessions.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Infof("listening on %s (mode %s)", l.Addr(), s.cfg.Mode)
	err := s.http.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes every session with CloseShutdown, waits ShutdownGrace for
// the close frames to flush, waits for the sessions to finish and then closes
// the listener. Sessions still open when ctx expires are dropped.
func (s *Server) Shutdown(ctx context.Context) error {
	s.m.Lock()
	s.draining = true
	s.m.Unlock()

	n := s.registry.CloseAll(session.CloseShutdown, "server shutdown")
	s.logger.Infof("shutdown: closed %d client connections", n)

	if n > 0 {
		select {
		case <-time.After(s.cfg.ShutdownGrace):
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		dropped := s.registry.DropAll()
		s.logger.Warnf("shutdown: dropped %d connections which did not drain", dropped)
	}

	return s.http.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.origins.Cardinality() == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	// non-browser clients send no origin
	if origin == "" {
		return true
	}
	return s.origins.Contains(origin)
}

// admit registers a new session unless the server is draining.
func (s *Server) admit() bool {
	s.m.Lock()
	defer s.m.Unlock()
	if s.draining {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) isDraining() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.draining
}

func (s *Server) upgrade(mode session.Mode, engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			httputil.WriteJSON(w, http.StatusUpgradeRequired, errorBody{Error: "WebSocket upgrade required"})
			return
		}
		if !s.admit() {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, errorBody{Error: "server shutting down"})
			return
		}
		defer s.sessions.Done()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// the upgrader has already replied
			s.logger.WithField(util.FieldRemoteAddr, r.RemoteAddr).Warnf("upgrade failed: %v", err)
			return
		}

		token := util.TokenFromRequestURI(r.URL.RequestURI())
		if token == "" {
			token = s.cfg.DefaultToken
		}
		sess := session.New(conn, session.Config{
			Mode:       mode,
			RemoteAddr: r.RemoteAddr,
			Token:      token,
			CloseGrace: s.cfg.ShutdownGrace,
		}, s.logger)

		s.registry.Add(sess)
		s.metrics.SessionOpened(string(mode))
		sess.Log().Infof("client connected: mode=%s", mode)
		if s.isDraining() {
			// shutdown began between admission and registration
			sess.Close(session.CloseShutdown, "server shutdown")
		}
		defer func() {
			s.registry.Remove(sess)
			s.metrics.SessionClosed(string(mode))
			sess.Drop()
			sess.Log().WithField("duration", time.Since(sess.Accepted).Round(time.Millisecond)).Info("client disconnected")
		}()

		engine.Serve(sess)
	}
}
