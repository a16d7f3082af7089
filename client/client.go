// Package client implements a Matrix client-server API client: login and
// registration, room creation and administration, arbitrary room state
// reads/writes, and an incremental sync engine with a deadline-bounded
// long-poll primitive (Session.WaitForEvents).
//
// A Client is the unauthenticated entry point bound to one homeserver. It
// owns the HTTP transport, which may be shared by any number of Sessions.
// Sessions are created with Client.NewSession and authenticated with
// Session.Login; each owns its access token and sync cursor independently.
//
// The library never prints: it logs through an injected zerolog.Logger
// which defaults to zerolog.Nop().
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/roomkit/roomkit/internal"
)

// Version is reported in the User-Agent header of every request.
var Version = "0.1.0"

// Client is bound to a single homeserver and holds everything shared
// across sessions: the HTTP transport, logger and metrics. It performs
// no authenticated operation itself.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	clock      Clock
	userAgent  string
	metrics    *clientMetrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP transport. The transport is never
// mutated beyond issuing requests and may be shared with other Clients.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger. Without it the client is silent.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock injects the time source used for sync deadlines. Tests use
// a fake; production code leaves the default.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithPrometheusRegistry registers per-operation request counters and
// latency histograms with the given registerer.
func WithPrometheusRegistry(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = newClientMetrics(reg)
	}
}

// WithTracing wraps the transport in otelhttp so every homeserver call
// produces a client span. Apply after WithHTTPClient.
func WithTracing() Option {
	return func(c *Client) {
		base := c.httpClient.Transport
		// copy to avoid mutating a shared http.Client
		hc := *c.httpClient
		hc.Transport = otelhttp.NewTransport(base)
		c.httpClient = &hc
	}
}

// NewClient creates a Client for the given homeserver. The URL may be
// an http(s) URL or an absolute path to a unix socket.
func NewClient(homeserverURL string, opts ...Option) (*Client, error) {
	hsURL, err := internal.ParseHomeserverURL(homeserverURL)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	c := &Client{
		baseURL:    hsURL.BaseURL(),
		httpClient: http.DefaultClient,
		logger:     zerolog.Nop(),
		clock:      realClock{},
		userAgent:  "roomkit/" + Version,
	}
	if hsURL.IsUnixSocket() {
		socket := hsURL.UnixSocket()
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socket)
				},
			},
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HomeserverURL returns the normalized base URL requests are sent to.
func (c *Client) HomeserverURL() string {
	return c.baseURL
}

// doRequest issues one HTTP call and returns the response body. On a
// non-2xx response the body is still returned, alongside a *MatrixError
// when the body carries the standard {errcode, error} shape. op names
// the client-server operation for logging and metrics; it must not
// contain user data.
//
// Request URLs are assembled by string concatenation: callers escape
// path segments themselves. Rebuilding through url.URL re-encodes
// already-escaped segments (room IDs and event types contain characters
// that must survive exactly once encoded).
func (c *Client) doRequest(ctx context.Context, op, method, path string, accessToken string, query url.Values, reqBody any) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request body: %w", op, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: NewRequest failed: %w", op, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := c.clock.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observe(op, 0, c.clock.Now().Sub(start))
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	c.metrics.observe(op, res.StatusCode, c.clock.Now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response body: %w", op, err)
	}

	c.logger.Trace().
		Str("op", op).
		Str("method", method).
		Str("path", path).
		Int("status", res.StatusCode).
		Msg("homeserver request")

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return resBody, nil
	}

	var matrixErr MatrixError
	if jsonErr := json.Unmarshal(resBody, &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		return resBody, fmt.Errorf("%s: response returned HTTP %d: %s", op, res.StatusCode, string(resBody))
	}
	matrixErr.StatusCode = res.StatusCode
	return resBody, &matrixErr
}

type clientMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomkit",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Number of client-server API requests issued",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "roomkit",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Latency of client-server API requests",
			Buckets:   []float64{0.05, 0.25, 1, 5, 30},
		}, []string{"op"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

// observe is a no-op on a nil receiver so call sites don't branch on
// whether metrics are configured.
func (m *clientMetrics) observe(op string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}
