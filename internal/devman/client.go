package devman

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	logx "dvmnbot/pkg/logx"
)

const (
	DefaultURL            = "https://dvmn.org/api/long_polling/"
	DefaultPollTimeout    = 95 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	maxResponseBodySize = 1 << 20 // 1MB
	maxDetailBody       = 256
)

//go:embed long_polling.schema.json
var longPollingSchemaJSON string

var longPollingSchema = jsonschema.MustCompileString("long_polling.schema.json", longPollingSchemaJSON)

// Config configures the long-polling client.
type Config struct {
	URL   string
	Token string
	// PollTimeout bounds a whole request, including the server's wait for news.
	PollTimeout time.Duration
	// ConnectTimeout bounds TCP dial and TLS handshake.
	ConnectTimeout time.Duration
	UserAgent      string
}

// Client issues long-polling requests. It holds no cursor; callers thread it through.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        logx.Logger
}

var ErrMissingToken = errors.New("devman token is empty")

// New creates a Client. The http.Client has no global timeout: each Poll gets
// its own deadline from Config.PollTimeout.
func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrMissingToken
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("devman url: %w", err)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	return &Client{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: cfg.ConnectTimeout,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     2 * cfg.PollTimeout,
			},
		},
	}, nil
}

// PollTimeout returns the effective per-request timeout.
func (c *Client) PollTimeout() time.Duration { return c.cfg.PollTimeout }

// Close releases idle connections. The client stays usable.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	c.httpClient.CloseIdleConnections()
}

// Poll performs one long-polling request with cursor (omitted when zero).
//
// Cancellation of ctx is returned as ctx.Err(), unclassified. Every other
// failure is a *PollError.
func (c *Client) Poll(ctx context.Context, cursor Timestamp) (Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return Response{}, fatal(0, "invalid endpoint url", err)
	}
	if !cursor.IsZero() {
		q := u.Query()
		q.Set("timestamp", cursor.String())
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return Response{}, fatal(0, "build request", err)
	}
	req.Header.Set("Authorization", "Token "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, classifyTransport(err)
	}

	c.log.Debug("poll response",
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
		logx.String("cursor", cursor.String()),
	)

	switch {
	case resp.StatusCode >= 500:
		return Response{}, transient(CauseServer, resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Response{}, fatal(resp.StatusCode, snippet(body), errors.New(http.StatusText(resp.StatusCode)))
	}
	return decodeBody(resp.StatusCode, body)
}

// decodeBody validates body against the long-polling schema and maps it to a Response.
func decodeBody(status int, body []byte) (Response, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Response{}, fatal(status, "malformed body: "+snippet(body), err)
	}
	if err := longPollingSchema.Validate(doc); err != nil {
		return Response{}, fatal(status, "unexpected body shape", err)
	}
	var b longPollBody
	if err := json.Unmarshal(body, &b); err != nil {
		return Response{}, fatal(status, "malformed body: "+snippet(body), err)
	}
	return b.response(), nil
}

// classifyTransport maps a transport-level error (no usable HTTP response) to a PollError.
func classifyTransport(err error) *PollError {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if opErr.Timeout() {
			return transient(CauseTimeout, 0, err)
		}
		return transient(CauseConnection, 0, err)
	}
	// http.Transport reports handshake timeouts with a private error type.
	if strings.Contains(err.Error(), "TLS handshake timeout") {
		return transient(CauseTimeout, 0, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return transient(CauseConnection, 0, err)
	}
	// Connected, but the request deadline passed while waiting for the answer.
	if errors.Is(err, context.DeadlineExceeded) {
		return silent(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return silent(err)
	}
	return transient(CauseNetwork, 0, err)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxDetailBody {
		s = s[:maxDetailBody] + "..."
	}
	return s
}
