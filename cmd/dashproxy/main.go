package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	docopt "github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"

	"github.com/hvacmon/dashproxy/internal"
	"github.com/hvacmon/dashproxy/internal/config"
	"github.com/hvacmon/dashproxy/util"
)

const usage = `dashproxy

dashproxy bridges facilities dashboard clients to the HVAC/CCTV backend. In
relay mode every dashboard WebSocket is paired with its own backend WebSocket;
in poll mode subscribed backend REST paths are fetched at a fixed interval and
pushed to the dashboard as UPDATE frames.

Usage:
  dashproxy [serve]
  dashproxy healthcheck [--url=<url>] [--timeout=<duration>]
  dashproxy watch [--url=<url>] [--subscribe=<path>]
  dashproxy -h | --help
  dashproxy --version
  dashproxy --short-version

Environment:
 PORT                       port on which to listen (default 8080)
 HOST                       address on which to listen (default all)
 PUBLIC_HOSTNAME            hostname reported to dashboards (default localhost)
 TARGET_WS_URL              backend WebSocket URL (default wss://localhost:8443/ws)
 BACKEND_HOST               backend REST host (default localhost)
 BACKEND_PORT               backend REST port (default 8443)
 BACKEND_TOKEN              bearer token used when a client supplies none
 BACKEND_INSECURE_TLS       skip backend certificate verification (default true)
 BACKEND_ORIGIN             Origin header sent to the backend (default https://localhost)
 PROXY_MODE                 relay, poll or both (default relay)
 WS_PATH                    relay endpoint (default /ws)
 POLL_PATH                  poll endpoint (default /poll)
 CONNECT_TIMEOUT            backend WebSocket connect timeout (default 10s)
 FETCH_TIMEOUT              backend REST timeout (default 10s)
 POLL_INTERVAL              interval between fetches (default 2s)
 POLL_REPORT_EVERY_FAILURE  send ERROR for every failed fetch, not only the first
 SHUTDOWN_GRACE             time allowed for close frames to flush (default 1s)
 ALLOWED_ORIGINS            comma separated browser origins allowed to connect
 ENV                        environment name; "production" enables mozlog output
 LOG_LEVEL                  logrus level (default info)
 SYSLOG_ADDR                address to which to send syslog output

Options:
  --url=<url>             URL to probe or watch; defaults to this host's endpoint
  --timeout=<duration>    give up the health check after this long [default: 10s]
  --subscribe=<path>      send a SUBSCRIBE for this backend path once connected
  -h --help               Show help
  --version               Show version
  --short-version         Show only the semantic version`

func main() {
	opts, _ := docopt.ParseArgs(usage, nil, "dashproxy "+internal.Version)
	os.Exit(run(opts))
}

func run(opts docopt.Opts) int {
	if short, _ := opts.Bool("--short-version"); short {
		fmt.Println(internal.Version)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot configure logging: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url, _ := opts.String("--url")
	switch {
	case boolOpt(opts, "healthcheck"):
		timeout, _ := opts.String("--timeout")
		if url == "" {
			url = fmt.Sprintf("http://localhost:%d/health", cfg.Port)
		}
		return healthcheck(url, timeout, logger)
	case boolOpt(opts, "watch"):
		path, _ := opts.String("--subscribe")
		if url == "" {
			url = fmt.Sprintf("ws://localhost:%d%s", cfg.Port, cfg.WSPath)
		}
		return watch(ctx, url, path, os.Stdout, logger)
	}

	logger.WithFields(log.Fields{
		"addr":    cfg.Addr(),
		"mode":    cfg.ProxyMode,
		"target":  util.RedactToken(cfg.TargetWSURL),
		"version": internal.Version,
	}).Info("starting dashproxy")
	return serve(ctx, cfg, logger)
}

func boolOpt(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}
