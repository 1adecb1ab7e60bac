package main

import (
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v3"
	log "github.com/sirupsen/logrus"
	"github.com/taskcluster/httpbackoff/v3"

	"github.com/hvacmon/dashproxy/server"
)

// healthcheck probes a running proxy, retrying connection failures and 5xx
// responses until timeout. It returns 0 if the proxy reports status ok.
func healthcheck(url, timeout string, logger *log.Logger) int {
	limit, err := time.ParseDuration(timeout)
	if err != nil {
		logger.Errorf("invalid --timeout %q: %v", timeout, err)
		return 1
	}
	settings := backoff.NewExponentialBackOff()
	settings.InitialInterval = 100 * time.Millisecond
	settings.MaxElapsedTime = limit
	client := &httpbackoff.Client{BackOffSettings: settings}

	resp, attempts, err := client.Get(url)
	if err != nil {
		logger.WithField("attempts", attempts).Errorf("health check failed: %v", err)
		return 1
	}
	defer resp.Body.Close()

	var h server.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		logger.Errorf("health check returned invalid JSON: %v", err)
		return 1
	}
	if h.Status != "ok" {
		logger.Errorf("health check returned status %q", h.Status)
		return 1
	}
	logger.WithFields(log.Fields{
		"version":     h.Version,
		"mode":        h.Mode,
		"connections": h.Connections,
		"attempts":    attempts,
	}).Info("healthy")
	return 0
}
