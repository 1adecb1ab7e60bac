package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	docopt "github.com/docopt/docopt-go"
	"github.com/gorilla/websocket"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvacmon/dashproxy/internal/config"
	"github.com/hvacmon/dashproxy/internal/httputil"
	"github.com/hvacmon/dashproxy/util"
)

func parse(t *testing.T, argv ...string) docopt.Opts {
	t.Helper()
	parser := &docopt.Parser{HelpHandler: docopt.NoHelpHandler}
	// a nil argv makes docopt read os.Args
	opts, err := parser.ParseArgs(usage, append([]string{}, argv...), "")
	require.NoError(t, err)
	return opts
}

func TestUsage(t *testing.T) {
	opts := parse(t)
	assert.False(t, boolOpt(opts, "healthcheck"))
	assert.False(t, boolOpt(opts, "watch"))

	opts = parse(t, "serve")
	assert.True(t, boolOpt(opts, "serve"))

	opts = parse(t, "healthcheck")
	assert.True(t, boolOpt(opts, "healthcheck"))
	timeout, _ := opts.String("--timeout")
	assert.Equal(t, "10s", timeout)

	opts = parse(t, "watch", "--url=ws://proxy/poll", "--subscribe=/tblDevices")
	assert.True(t, boolOpt(opts, "watch"))
	url, _ := opts.String("--url")
	assert.Equal(t, "ws://proxy/poll", url)
	path, _ := opts.String("--subscribe")
	assert.Equal(t, "/tblDevices", path)
}

func TestUsageRejectsUnknownCommand(t *testing.T) {
	parser := &docopt.Parser{HelpHandler: docopt.NoHelpHandler}
	_, err := parser.ParseArgs(usage, []string{"frobnicate"}, "")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.Config{LogLevel: "debug", Environment: "development"})
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())
	assert.IsType(t, &log.TextFormatter{}, logger.Formatter)

	logger, err = newLogger(config.Config{LogLevel: "warn", Environment: "production"})
	require.NoError(t, err)
	assert.Equal(t, log.WarnLevel, logger.GetLevel())
	assert.IsType(t, &mozlog.MozLogFormatter{}, logger.Formatter)

	_, err = newLogger(config.Config{LogLevel: "chatty"})
	assert.Error(t, err)
}

func healthServer(t *testing.T, status int, body string) string {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts.URL + "/health"
}

func TestHealthcheck(t *testing.T) {
	logger := util.NilLogger()

	url := healthServer(t, http.StatusOK, `{"status":"ok","version":"1.3.0","mode":"relay","connections":2}`)
	assert.Equal(t, 0, healthcheck(url, "2s", logger))

	url = healthServer(t, http.StatusOK, `{"status":"degraded"}`)
	assert.Equal(t, 1, healthcheck(url, "2s", logger))

	url = healthServer(t, http.StatusOK, `not json`)
	assert.Equal(t, 1, healthcheck(url, "2s", logger))

	url = healthServer(t, http.StatusServiceUnavailable, `{"status":"ok"}`)
	assert.Equal(t, 1, healthcheck(url, "300ms", logger))

	assert.Equal(t, 1, healthcheck(url, "soon", logger))
}

func testConfig(t *testing.T, port int) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(map[string]string{
		"HOST":           "127.0.0.1",
		"PORT":           fmt.Sprint(port),
		"PROXY_MODE":     "both",
		"SHUTDOWN_GRACE": "10ms",
	})
	require.NoError(t, err)
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestServeListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t, l.Addr().(*net.TCPAddr).Port)
	assert.Equal(t, 1, serve(context.Background(), cfg, util.NilLogger()))
}

func TestServeUntilCancelled(t *testing.T) {
	port := freePort(t)
	cfg := testConfig(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	exit := make(chan int, 1)
	go func() {
		exit <- serve(ctx, cfg, util.NilLogger())
	}()

	addr := cfg.Addr()
	require.NoError(t, httputil.WaitForTCPListener(addr, 5*time.Second))
	url := fmt.Sprintf("http://%s/health", addr)
	assert.Equal(t, 0, healthcheck(url, "2s", util.NilLogger()))

	cancel()
	select {
	case code := <-exit:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}
}

type syncBuffer struct {
	m sync.Mutex
	b bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.m.Lock()
	defer s.m.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.m.Lock()
	defer s.m.Unlock()
	return s.b.String()
}

func TestWatchSubscribesAndPrints(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, append([]byte("echo "), data...)); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	exit := make(chan int, 1)
	go func() {
		exit <- watch(ctx, util.MakeWsURL(ts.URL), "/tblDevices", out, util.NilLogger())
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `echo {"type":"SUBSCRIBE","path":"/tblDevices"}`)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case code := <-exit:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}
}

func TestWatchRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	out := &syncBuffer{}
	assert.Equal(t, 1, watch(context.Background(), util.MakeWsURL(ts.URL), "", out, util.NilLogger()))
	assert.Empty(t, out.String())
}
