package stream

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// DefaultPreviewLen bounds diagnostic text carried in errors and log lines.
const DefaultPreviewLen = 200

// ErrStreamUnavailable is returned when no readable byte source was supplied.
var ErrStreamUnavailable = errors.New("stream unavailable: response body is not readable")

// TransportStatusError reports a non-success response detected before any
// streaming began. Preview holds a bounded prefix of the response body.
type TransportStatusError struct {
	StatusCode int
	Status     string
	Preview    string
}

// NewTransportStatusError builds a TransportStatusError, truncating the body
// diagnostic to DefaultPreviewLen bytes.
func NewTransportStatusError(code int, status, body string) *TransportStatusError {
	return &TransportStatusError{
		StatusCode: code,
		Status:     status,
		Preview:    Preview(body, DefaultPreviewLen),
	}
}

func (e *TransportStatusError) Error() string {
	if e.Preview == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Status, e.Preview)
}

// TransportReadError wraps an I/O failure raised by the byte source mid-stream.
type TransportReadError struct {
	Err error
}

func (e *TransportReadError) Error() string {
	return fmt.Sprintf("error reading response stream: %v", e.Err)
}

func (e *TransportReadError) Unwrap() error { return e.Err }

// PayloadParseError describes a frame whose payload looked structured but did
// not parse. It is logged; the frame is still delivered with a nil payload.
type PayloadParseError struct {
	Event string
	Raw   string
	Err   error
}

func (e *PayloadParseError) Error() string {
	return fmt.Sprintf("event %q: invalid JSON payload %q: %v", e.Event, Preview(e.Raw, DefaultPreviewLen), e.Err)
}

func (e *PayloadParseError) Unwrap() error { return e.Err }

// SinkCallbackError wraps an error returned (or a panic raised) by a Sink.
type SinkCallbackError struct {
	Callback string
	Err      error
}

func (e *SinkCallbackError) Error() string {
	return fmt.Sprintf("sink %s callback failed: %v", e.Callback, e.Err)
}

func (e *SinkCallbackError) Unwrap() error { return e.Err }

// IsFatal reports whether err ends a decode. Per-frame payload and sink
// failures never do.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		statusErr *TransportStatusError
		readErr   *TransportReadError
	)
	return errors.Is(err, ErrStreamUnavailable) ||
		errors.As(err, &statusErr) ||
		errors.As(err, &readErr)
}

// Preview returns at most n bytes of s without splitting a rune.
func Preview(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
