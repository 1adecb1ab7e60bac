// Package config reads the proxy configuration from the environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/hvacmon/dashproxy/backend"
	"github.com/hvacmon/dashproxy/poll"
	"github.com/hvacmon/dashproxy/relay"
	"github.com/hvacmon/dashproxy/server"
)

var (
	ErrInvalidPort = errors.New("port must be between 0 and 65535")
	ErrInvalidMode = errors.New("PROXY_MODE must be one of relay, poll or both")
	ErrInvalidPath = errors.New("upgrade paths must start with / and differ")
	ErrInvalidURL  = errors.New("TARGET_WS_URL must be a ws:// or wss:// URL")
	ErrNonPositive = errors.New("durations must be positive")
)

type Config struct {
	Port           int    `env:"PORT" envDefault:"8080"`
	Host           string `env:"HOST"`
	PublicHostname string `env:"PUBLIC_HOSTNAME" envDefault:"localhost"`

	TargetWSURL        string `env:"TARGET_WS_URL" envDefault:"wss://localhost:8443/ws"`
	BackendHost        string `env:"BACKEND_HOST" envDefault:"localhost"`
	BackendPort        int    `env:"BACKEND_PORT" envDefault:"8443"`
	BackendToken       string `env:"BACKEND_TOKEN"`
	BackendInsecureTLS bool   `env:"BACKEND_INSECURE_TLS" envDefault:"true"`
	BackendOrigin      string `env:"BACKEND_ORIGIN" envDefault:"https://localhost"`

	ProxyMode string `env:"PROXY_MODE" envDefault:"relay"`
	WSPath    string `env:"WS_PATH" envDefault:"/ws"`
	PollPath  string `env:"POLL_PATH" envDefault:"/poll"`

	ConnectTimeout         time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	FetchTimeout           time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`
	PollInterval           time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	PollReportEveryFailure bool          `env:"POLL_REPORT_EVERY_FAILURE" envDefault:"false"`
	ShutdownGrace          time.Duration `env:"SHUTDOWN_GRACE" envDefault:"1s"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	Environment string `env:"ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	SyslogAddr  string `env:"SYSLOG_ADDR"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "cannot parse environment")
	}
	return cfg, cfg.Validate()
}

// LoadFrom reads the configuration from environ instead of the process
// environment.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return cfg, errors.Wrap(err, "cannot parse environment")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidPort, "PORT=%d", c.Port)
	}
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		return errors.Wrapf(ErrInvalidPort, "BACKEND_PORT=%d", c.BackendPort)
	}
	switch c.ProxyMode {
	case server.ModeRelay, server.ModePoll, server.ModeBoth:
	default:
		return errors.Wrapf(ErrInvalidMode, "PROXY_MODE=%q", c.ProxyMode)
	}
	if !strings.HasPrefix(c.WSPath, "/") || !strings.HasPrefix(c.PollPath, "/") {
		return ErrInvalidPath
	}
	if c.ProxyMode == server.ModeBoth && c.WSPath == c.PollPath {
		return ErrInvalidPath
	}
	u, err := url.Parse(c.TargetWSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return errors.Wrapf(ErrInvalidURL, "TARGET_WS_URL=%q", c.TargetWSURL)
	}
	for name, d := range map[string]time.Duration{
		"CONNECT_TIMEOUT": c.ConnectTimeout,
		"FETCH_TIMEOUT":   c.FetchTimeout,
		"POLL_INTERVAL":   c.PollInterval,
		"SHUTDOWN_GRACE":  c.ShutdownGrace,
	} {
		if d <= 0 {
			return errors.Wrapf(ErrNonPositive, "%s=%s", name, d)
		}
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyURL is the public address of the relay endpoint.
func (c Config) ProxyURL() string {
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(c.PublicHostname, strconv.Itoa(c.Port)), c.WSPath)
}

func (c Config) Backend() backend.Config {
	return backend.Config{
		Scheme:             "https",
		Host:               c.BackendHost,
		Port:               c.BackendPort,
		Timeout:            c.FetchTimeout,
		InsecureSkipVerify: c.BackendInsecureTLS,
	}
}

func (c Config) Poll() poll.Config {
	policy := poll.ReportFirstFailureOnly
	if c.PollReportEveryFailure {
		policy = poll.ReportEveryFailure
	}
	return poll.Config{
		Interval: c.PollInterval,
		Policy:   policy,
	}
}

func (c Config) Relay() relay.Config {
	return relay.Config{
		TargetURL:          c.TargetWSURL,
		Origin:             c.BackendOrigin,
		ProxyURL:           c.ProxyURL(),
		ConnectTimeout:     c.ConnectTimeout,
		InsecureSkipVerify: c.BackendInsecureTLS,
		CloseGrace:         c.ShutdownGrace,
	}
}

func (c Config) Server() server.Config {
	return server.Config{
		Port:           c.Port,
		PublicHostname: c.PublicHostname,
		TargetURL:      c.TargetWSURL,
		Mode:           c.ProxyMode,
		WSPath:         c.WSPath,
		PollPath:       c.PollPath,
		Environment:    c.Environment,
		AllowedOrigins: c.AllowedOrigins,
		DefaultToken:   c.BackendToken,
		ShutdownGrace:  c.ShutdownGrace,
	}
}
