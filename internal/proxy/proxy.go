// Package proxy provides a local forwarding proxy for the workflow API.
//
// Browsers cannot call the workflow API directly because of CORS, so the proxy
// sits in between:
//
//	Browser <--> Proxy <--> Workflow API
//
// Every response gets permissive CORS headers. Event streams are forwarded
// chunk by chunk, and decoded on the side so each run shows up in the logs.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/markis/cozeflow/internal/stream"
)

// Proxy forwards requests to the upstream workflow API.
type Proxy struct {
	config     Config
	logger     *log.Logger
	httpClient *http.Client
	server     *fiber.App
	decoder    *stream.Decoder
}

// New creates a new Proxy. It returns an error if the upstream URL is not an
// absolute http(s) URL.
func New(config Config, logger *log.Logger) (*Proxy, error) {
	if config.UpstreamURL == "" {
		return nil, errors.New("upstream URL is required")
	}
	u, err := url.Parse(config.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme must be http or https", config.UpstreamURL)
	}
	config.UpstreamURL = strings.TrimRight(config.UpstreamURL, "/")

	matcher := config.Matcher
	if len(matcher.Events) == 0 && len(matcher.Fields) == 0 {
		matcher = stream.DefaultResultMatcher()
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StreamRequestBody:     true,
	})

	p := &Proxy{
		config:  config,
		logger:  logger,
		server:  app,
		decoder: stream.NewDecoder(stream.WithResultMatcher(matcher), stream.WithLogger(logger)),
		httpClient: &http.Client{
			// Workflow runs stream for minutes; only bound the dial and headers.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 2 * time.Minute,
				IdleConnTimeout:       90 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
	}

	app.Options("/*", p.handlePreflight)
	app.All("/health", p.handleHealth)
	app.All("/*", p.handleProxy)

	return p, nil
}

// Run starts the proxy server on the configured listening address.
func (p *Proxy) Run() error {
	p.logger.Info("starting proxy server",
		"listen", p.config.ListenAddr,
		"upstream", p.config.UpstreamURL,
	)

	return p.server.Listen(p.config.ListenAddr)
}

// RunWithListener starts the proxy server using the provided listener.
func (p *Proxy) RunWithListener(listener net.Listener) error {
	p.logger.Info("starting proxy server",
		"listen", listener.Addr().String(),
		"upstream", p.config.UpstreamURL,
	)

	return p.server.Listener(listener)
}

// Close shuts the server down, waiting for in-flight requests.
func (p *Proxy) Close() error {
	return p.server.Shutdown()
}

func (p *Proxy) handlePreflight(c *fiber.Ctx) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	c.Set(fiber.HeaderAccessControlAllowMethods, "GET, POST, PUT, DELETE, OPTIONS")
	c.Set(fiber.HeaderAccessControlAllowHeaders, "*")
	c.Set(fiber.HeaderAccessControlMaxAge, "86400")
	return c.SendStatus(fiber.StatusOK)
}

func (p *Proxy) handleHealth(c *fiber.Ctx) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	return c.JSON(fiber.Map{
		"status":  "ok",
		"message": "cozeflow proxy is running",
	})
}

// handleProxy forwards any request to the same path on the upstream.
func (p *Proxy) handleProxy(c *fiber.Ctx) error {
	requestID := c.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := p.logger.With("request_id", requestID)
	target := p.config.UpstreamURL + c.OriginalURL()

	var body io.Reader
	if b := c.Body(); len(b) > 0 {
		// fasthttp reuses the request buffer once the handler returns.
		body = bytes.NewReader(bytes.Clone(b))
	}

	// Use context.Background() instead of c.Context() because fasthttp recycles
	// its RequestCtx after the handler returns, while a streamed response is
	// still being copied in a separate goroutine.
	httpReq, err := http.NewRequestWithContext(context.Background(), c.Method(), target, body)
	if err != nil {
		logger.Error("failed to create upstream request", "err", err)
		return p.proxyError(c, err)
	}
	setUpstreamRequestHeaders(c, httpReq)
	httpReq.Header.Set(RequestIDHeader, requestID)

	logger.Info("proxy request", "method", c.Method(), "url", target)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		logger.Error("upstream request failed", "err", err)
		return p.proxyError(c, err)
	}

	c.Set(RequestIDHeader, requestID)
	if strings.Contains(httpResp.Header.Get(fiber.HeaderContentType), "text/event-stream") {
		return p.handleSSEStream(c, httpResp, logger)
	}
	return p.handleRegularResponse(c, httpResp, logger)
}

func (p *Proxy) proxyError(c *fiber.Ctx, err error) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "proxy error: " + err.Error(),
	})
}

// handleRegularResponse buffers a non-streaming upstream response.
func (p *Proxy) handleRegularResponse(c *fiber.Ctx, httpResp *http.Response, logger *log.Logger) error {
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		logger.Error("failed to read upstream response", "err", err)
		return p.proxyError(c, err)
	}

	setClientResponseHeaders(c, httpResp)
	setCORSHeaders(c)

	logger.Debug("forwarded response", "status", httpResp.StatusCode, "bytes", len(respBody))
	return c.Status(httpResp.StatusCode).Send(respBody)
}

// handleSSEStream forwards an event stream as it arrives.
func (p *Proxy) handleSSEStream(c *fiber.Ctx, httpResp *http.Response, logger *log.Logger) error {
	c.Status(httpResp.StatusCode)
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	setCORSHeaders(c)

	// io.Pipe gives per-chunk backpressure: fasthttp writes every chunk the
	// reader returns straight to the socket.
	pr, pw := io.Pipe()
	go p.teeSSE(httpResp, pw, logger)

	// Unknown size (-1) selects chunked transfer encoding.
	c.Context().Response.SetBodyStream(pr, -1)
	return nil
}

// teeSSE copies the upstream body into pw verbatim while decoding the same
// bytes to log each event.
func (p *Proxy) teeSSE(httpResp *http.Response, pw *io.PipeWriter, logger *log.Logger) {
	defer httpResp.Body.Close()

	started := time.Now()
	events := 0
	sink := stream.SinkFuncs{
		Event: func(ev stream.Event) error {
			events++
			logger.Debug("forwarded event", "event", ev.Name, "bytes", len(ev.Raw))
			return nil
		},
	}

	result, err := p.decoder.Decode(context.Background(), io.TeeReader(httpResp.Body, pw), sink)
	if err != nil {
		logger.Error("SSE stream error", "err", err, "events", events)
		pw.CloseWithError(err)
		return
	}

	logger.Info("SSE stream complete",
		"events", events,
		"final", result != nil,
		"duration", time.Since(started),
	)
	pw.Close()
}
