package proxy

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// RequestIDHeader correlates client, proxy and upstream logs.
const RequestIDHeader = "X-Request-Id"

// skipRequest is the set of request headers (client --> proxy --> upstream)
// that are not forwarded upstream.
var skipRequest = map[string]struct{}{
	// Browser-only headers the upstream API would reject for CORS reasons.
	"Host":    {},
	"Origin":  {},
	"Referer": {},

	// Hop-by-hop, or recomputed by http.Transport for the upstream leg.
	"Connection":      {},
	"Content-Length":  {},
	"Accept-Encoding": {},
}

// skipResponse is the set of upstream response headers not copied back to
// the client.
var skipResponse = map[string]struct{}{
	"Connection":        {},
	"Transfer-Encoding": {},

	// http.Transport already decompressed the body and fiber computes the
	// final length itself.
	"Content-Encoding": {},
	"Content-Length":   {},
}

// setUpstreamRequestHeaders copies the client's request headers to req,
// dropping the ones in skipRequest.
func setUpstreamRequestHeaders(c *fiber.Ctx, req *http.Request) {
	c.Request().Header.VisitAll(func(key, value []byte) {
		k := http.CanonicalHeaderKey(string(key))
		if _, skip := skipRequest[k]; !skip {
			req.Header.Add(k, string(value))
		}
	})
}

// setClientResponseHeaders copies upstream response headers to the client
// response, dropping the ones in skipResponse.
func setClientResponseHeaders(c *fiber.Ctx, resp *http.Response) {
	for k, values := range resp.Header {
		if _, skip := skipResponse[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range values {
			c.Response().Header.Add(k, v)
		}
	}
}

// setCORSHeaders allows any origin to call the proxy.
func setCORSHeaders(c *fiber.Ctx) {
	c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
	c.Set(fiber.HeaderAccessControlAllowHeaders, "*")
	c.Set(fiber.HeaderAccessControlAllowMethods, "*")
}
