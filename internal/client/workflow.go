// Package client calls the workflow service and decodes its event stream.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/markis/cozeflow/internal/stream"
)

const (
	DefaultBaseURL = "https://api.coze.cn"
	streamRunPath  = "/v1/workflow/stream_run"

	// RequestIDHeader tags each request so proxy and client logs line up.
	RequestIDHeader = "X-Request-Id"
)

// Client triggers workflow runs over the streaming endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	decoder    *stream.Decoder
	logger     *log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API base URL, e.g. a local proxy. Empty keeps the
// default.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDecoder sets the stream decoder, e.g. one with a custom result matcher.
func WithDecoder(d *stream.Decoder) Option {
	return func(c *Client) { c.decoder = d }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client. Without options it targets DefaultBaseURL.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		logger:  log.New(io.Discard),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = getHTTPClient()
	}
	if c.decoder == nil {
		c.decoder = stream.NewDecoder(stream.WithLogger(c.logger))
	}
	return c
}

// defaultHeaders returns the headers sent with every stream request.
func defaultHeaders() map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Accept":        "text/event-stream, application/json;q=0.9, */*;q=0.8",
		"Cache-Control": "no-store",
	}
}

var (
	httpClient     *http.Client
	httpClientOnce sync.Once
)

// getHTTPClient returns the shared streaming client. It sets no overall
// timeout because a run may stream for minutes; callers bound it with ctx.
func getHTTPClient() *http.Client {
	httpClientOnce.Do(func() {
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			ForceAttemptHTTP2:     true,
		}

		transport.DialContext = (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext

		httpClient = &http.Client{
			Transport: transport,
		}
	})
	return httpClient
}

// StreamRun starts a workflow run and decodes its event stream into sink,
// returning the final result the stream reported (nil if none).
//
// A non-2xx response fails with *stream.TransportStatusError before any
// decoding starts.
func (c *Client) StreamRun(ctx context.Context, req RunRequest, sink stream.Sink) (stream.FinalResult, error) {
	if c.token == "" {
		return nil, errors.New("API token is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(preparePayload(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := c.baseURL + streamRunPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, v := range defaultHeaders() {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	requestID := uuid.NewString()
	httpReq.Header.Set(RequestIDHeader, requestID)

	logger := c.logger.With("request_id", requestID)
	logger.Debug("starting workflow run", "url", url, "workflow_id", req.WorkflowID, "num", ClampNum(req.Num))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Warn("failed to close response body", "err", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*stream.DefaultPreviewLen))
		statusErr := stream.NewTransportStatusError(resp.StatusCode, http.StatusText(resp.StatusCode), string(body))
		logger.Error("workflow request rejected", "status", resp.StatusCode, "body", statusErr.Preview)
		return nil, statusErr
	}

	var body io.Reader
	if resp.Body != nil && resp.Body != http.NoBody {
		body = resp.Body
	}

	started := time.Now()
	result, err := c.decoder.Decode(ctx, body, sink)
	if err != nil {
		return nil, fmt.Errorf("workflow stream: %w", err)
	}
	logger.Debug("workflow stream finished", "elapsed", time.Since(started), "final", result != nil)

	return result, nil
}
