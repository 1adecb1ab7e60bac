package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/hvacmon/dashproxy/internal"
	"github.com/hvacmon/dashproxy/internal/httputil"
	"github.com/hvacmon/dashproxy/session"
	"github.com/hvacmon/dashproxy/util"
)

const serviceName = "dashproxy"

type errorBody struct {
	Error              string   `json:"error"`
	AvailableEndpoints []string `json:"availableEndpoints,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	ProxyPort   int    `json:"proxyPort"`
	TargetWS    string `json:"targetWs"`
	ClientURL   string `json:"clientUrl"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
	Mode        string `json:"mode"`
	Connections int    `json:"connections"`

	// ConnectionsByMode splits Connections by the engine serving them.
	ConnectionsByMode map[string]int `json:"connectionsByMode"`
}

type healthService struct{ s *Server }

func (h healthService) RegisterService(r *mux.Router) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

func (h healthService) health(w http.ResponseWriter, r *http.Request) {
	cfg := h.s.cfg
	httputil.WriteJSON(w, http.StatusOK, Health{
		Status:      "ok",
		Service:     serviceName,
		Version:     internal.Version,
		ProxyPort:   cfg.Port,
		TargetWS:    util.RedactToken(cfg.TargetURL),
		ClientURL:   h.s.clientURL(),
		Timestamp:   session.Timestamp(time.Now()),
		Environment: cfg.Environment,
		Mode:        cfg.Mode,
		Connections: h.s.registry.Len(),

		ConnectionsByMode: h.s.connectionsByMode(),
	})
}

type metricsService struct{ s *Server }

func (m metricsService) RegisterService(r *mux.Router) {
	r.Handle("/metrics", m.s.metrics.Handler()).Methods(http.MethodGet)
}

// upgradeService mounts one engine on a WebSocket path.
type upgradeService struct {
	s      *Server
	path   string
	mode   session.Mode
	engine Engine
}

func (u upgradeService) RegisterService(r *mux.Router) {
	r.HandleFunc(u.path, u.s.upgrade(u.mode, u.engine)).Methods(http.MethodGet)
}

func (s *Server) services() []httputil.ServiceProvider {
	svcs := []httputil.ServiceProvider{healthService{s}}
	if s.metrics != nil {
		svcs = append(svcs, metricsService{s})
	}
	if s.relayEnabled() {
		svcs = append(svcs, upgradeService{s: s, path: s.cfg.WSPath, mode: session.ModeRelay, engine: s.engines.Relay})
	}
	if s.pollEnabled() {
		svcs = append(svcs, upgradeService{s: s, path: s.cfg.PollPath, mode: session.ModePoll, engine: s.engines.Poll})
	}
	return svcs
}

func (s *Server) relayEnabled() bool {
	return s.engines.Relay != nil && (s.cfg.Mode == ModeRelay || s.cfg.Mode == ModeBoth)
}

func (s *Server) pollEnabled() bool {
	return s.engines.Poll != nil && (s.cfg.Mode == ModePoll || s.cfg.Mode == ModeBoth)
}

// connectionsByMode reports every mounted mode, including idle ones.
func (s *Server) connectionsByMode() map[string]int {
	counts := s.registry.CountByMode()
	byMode := make(map[string]int)
	if s.relayEnabled() {
		byMode[ModeRelay] = counts[session.ModeRelay]
	}
	if s.pollEnabled() {
		byMode[ModePoll] = counts[session.ModePoll]
	}
	return byMode
}

// endpoints lists the routes reported in 404 responses.
func (s *Server) endpoints() []string {
	eps := []string{"GET /health"}
	if s.metrics != nil {
		eps = append(eps, "GET /metrics")
	}
	if s.relayEnabled() {
		eps = append(eps, "WS "+s.cfg.WSPath)
	}
	if s.pollEnabled() {
		eps = append(eps, "WS "+s.cfg.PollPath)
	}
	return eps
}

// clientURL is the address dashboards should connect to.
func (s *Server) clientURL() string {
	path := s.cfg.WSPath
	if !s.relayEnabled() && s.pollEnabled() {
		path = s.cfg.PollPath
	}
	host := net.JoinHostPort(s.cfg.PublicHostname, strconv.Itoa(s.cfg.Port))
	return fmt.Sprintf("ws://%s%s", host, path)
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusNotFound, errorBody{
		Error:              "Not found",
		AvailableEndpoints: s.endpoints(),
	})
}

func preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
