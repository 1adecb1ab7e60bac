package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	defaults "github.com/mcuadros/go-defaults"
	"github.com/pkg/errors"
)

// Config holds the backend location and request limits. Zero values are
// replaced by the defaults in the struct tags.
type Config struct {
	Scheme string `default:"https"`
	Host   string `default:"localhost"`
	Port   int    `default:"8443"`

	// Timeout bounds the whole request, including reading the body.
	Timeout time.Duration `default:"10s"`

	// InsecureSkipVerify disables verification of the backend certificate.
	InsecureSkipVerify bool

	// BodyExcerptLimit is the number of bytes of a failed response kept in
	// the FetchError.
	BodyExcerptLimit int `default:"100"`
}

// Client fetches JSON documents from the backend.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	defaults.SetDefaults(&cfg)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- self-signed backend
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: transport,
			// redirects are not part of the backend contract
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// URL returns the absolute backend URL for path.
func (c *Client) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	host := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	return fmt.Sprintf("%s://%s%s", c.cfg.Scheme, host, path)
}

// Fetch issues an authenticated GET for path and returns the JSON body. All
// failures are reported as *FetchError.
func (c *Client) Fetch(ctx context.Context, path, token string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	// cancelling aborts the in-flight request and releases its connection
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Path: path, Err: errors.Wrap(err, "building request")}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(ctx, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, int64(c.cfg.BodyExcerptLimit)))
		return nil, &FetchError{
			Kind:    KindHTTPStatus,
			Path:    path,
			Status:  resp.StatusCode,
			Excerpt: strings.TrimSpace(string(trimPartialRune(excerpt))),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, path, errors.Wrap(err, "reading response body"))
	}
	if !json.Valid(body) {
		return nil, &FetchError{Kind: KindInvalidJSON, Path: path}
	}
	return json.RawMessage(body), nil
}

func classify(ctx context.Context, path string, err error) *FetchError {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return &FetchError{Kind: KindTimeout, Path: path, Err: err}
	case context.Canceled:
		return &FetchError{Kind: KindCanceled, Path: path, Err: err}
	}
	return &FetchError{Kind: KindTransport, Path: path, Err: err}
}

// trimPartialRune drops an incomplete UTF-8 sequence left at the end of b by
// the excerpt limit.
func trimPartialRune(b []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i]
		}
		break
	}
	return b
}
