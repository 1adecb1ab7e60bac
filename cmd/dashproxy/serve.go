package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hvacmon/dashproxy/backend"
	"github.com/hvacmon/dashproxy/internal/config"
	"github.com/hvacmon/dashproxy/metrics"
	"github.com/hvacmon/dashproxy/poll"
	"github.com/hvacmon/dashproxy/relay"
	"github.com/hvacmon/dashproxy/server"
)

// shutdownTimeout bounds the drain after SHUTDOWN_GRACE has elapsed.
const shutdownTimeout = 5 * time.Second

// serve runs the proxy until ctx is cancelled. It returns the process exit
// code: 0 after a graceful shutdown, 1 if the listener could not be opened
// or the server failed.
func serve(ctx context.Context, cfg config.Config, logger *log.Logger) int {
	l, err := server.Listen(cfg.Addr())
	if err != nil {
		logger.WithError(err).Error("cannot start server")
		return 1
	}

	m := metrics.New()
	var engines server.Engines
	if cfg.ProxyMode == server.ModeRelay || cfg.ProxyMode == server.ModeBoth {
		engines.Relay = relay.New(cfg.Relay(), logger, m)
	}
	if cfg.ProxyMode == server.ModePoll || cfg.ProxyMode == server.ModeBoth {
		engines.Poll = poll.New(backend.New(cfg.Backend()), cfg.Poll(), logger, m)
	}
	srv := server.New(cfg.Server(), engines, logger, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(l)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("server failed")
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}
