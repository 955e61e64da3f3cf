package proxy

import "github.com/markis/cozeflow/internal/stream"

// Config is the proxy server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:8001")
	ListenAddr string

	// UpstreamURL is the workflow API every request is forwarded to
	// (e.g., "https://api.coze.cn")
	UpstreamURL string

	// Matcher is used when decoding forwarded event streams for logging.
	// The zero value selects stream.DefaultResultMatcher.
	Matcher stream.ResultMatcher
}
