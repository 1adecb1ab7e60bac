package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/hvacmon/dashproxy/session"
	"github.com/hvacmon/dashproxy/util"
	"github.com/hvacmon/dashproxy/wsclient"
)

// watch connects to a proxy endpoint the way a dashboard does and prints
// every frame to out until ctx is cancelled. If path is set, a SUBSCRIBE is
// sent after every (re)connection.
func watch(ctx context.Context, url, path string, out io.Writer, logger *log.Logger) int {
	var m sync.Mutex
	var client *wsclient.Client
	client = wsclient.New(wsclient.Config{
		URL:    url,
		Logger: logger,
		OnMessage: func(_ int, data []byte) {
			m.Lock()
			defer m.Unlock()
			_, _ = fmt.Fprintln(out, string(data))
		},
		OnStateChange: func(connected bool) {
			logger.WithField("url", util.RedactToken(url)).Infof("connected: %v", connected)
			if connected && path != "" {
				go func() {
					if err := client.Send(session.Subscribe{Type: session.TypeSubscribe, Path: path}); err != nil {
						logger.Warnf("could not subscribe to %s: %v", path, err)
					}
				}()
			}
		},
	})

	if err := client.Connect(ctx); err != nil {
		logger.Errorf("cannot connect to %s: %v", util.RedactToken(url), err)
		return 1
	}
	<-ctx.Done()
	client.Disconnect()
	return 0
}
