// Package stream incrementally decodes a Server-Sent Events body into discrete
// events and tracks the final result a workflow run reports along the way.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
)

const defaultChunkSize = 4096

// Option configures a Decoder.
type Option func(*Decoder)

// WithResultMatcher overrides the final result heuristic.
func WithResultMatcher(m ResultMatcher) Option {
	return func(d *Decoder) { d.matcher = m }
}

// WithLogger sets the logger used for per-frame diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(d *Decoder) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithChunkSize sets the size of each read from the byte source.
func WithChunkSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// Decoder holds decode configuration only. All per-stream state lives in the
// session created by Decode, so one Decoder may serve concurrent streams.
type Decoder struct {
	matcher   ResultMatcher
	logger    *log.Logger
	chunkSize int
}

// NewDecoder returns a Decoder using DefaultResultMatcher unless overridden.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		matcher:   DefaultResultMatcher(),
		logger:    log.New(io.Discard),
		chunkSize: defaultChunkSize,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type readResult struct {
	data []byte
	err  error
}

// Decode reads r until EOF, delivering every finalized frame to sink, and
// returns the last payload that matched the result heuristic (nil if none).
//
// Cancelling ctx aborts the pending read and returns the result established
// so far with a nil error. No line is processed once ctx is done, including
// lines already buffered from the current chunk. A read failure is returned
// as *TransportReadError after sink.OnError has seen it.
//
// Reads happen on a separate goroutine. On cancellation r is closed if it is
// an io.Closer; otherwise that goroutine stays blocked in Read until the read
// returns on its own, so callers should pass a closable body such as
// http.Response.Body.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, sink Sink) (FinalResult, error) {
	if sink == nil {
		sink = SinkFuncs{}
	}
	s := &session{
		ctx:     ctx,
		decoder: d,
		sink:    sink,
		text:    newTextDecoder(),
	}
	if r == nil {
		s.fail(ErrStreamUnavailable)
		return nil, ErrStreamUnavailable
	}

	chunks := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go pump(r, d.chunkSize, chunks, stop)

	done := ctx.Done()
	for {
		select {
		case <-done:
			return s.cancel(r, ctx.Err()), nil
		case rr := <-chunks:
			// select picks randomly when both cases are ready.
			if ctx.Err() != nil {
				return s.cancel(r, ctx.Err()), nil
			}
			if len(rr.data) > 0 {
				s.write(rr.data)
			}
			switch {
			case ctx.Err() != nil:
				return s.cancel(r, ctx.Err()), nil
			case rr.err == nil:
				continue
			case rr.err == io.EOF:
				s.finish()
				d.logger.Debug("stream complete", "events", s.events, "final", s.result != nil)
				return s.result, nil
			default:
				err := &TransportReadError{Err: rr.err}
				s.fail(err)
				return nil, err
			}
		}
	}
}

// pump performs the blocking reads so Decode can select on cancellation.
func pump(r io.Reader, size int, out chan<- readResult, stop <-chan struct{}) {
	for {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		if n == 0 && err == nil {
			continue
		}
		select {
		case out <- readResult{data: buf[:n], err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// session is the state of a single Decode call: the undecoded text tail and
// the frame being accumulated.
type session struct {
	ctx     context.Context
	decoder *Decoder
	sink    Sink
	text    *textDecoder

	buf       string
	eventName string
	dataLines []string

	result FinalResult
	events int
}

func (s *session) write(chunk []byte) {
	s.append(s.text.decode(chunk, false))
}

func (s *session) append(text string, err error) {
	if err != nil {
		s.decoder.logger.Warn("text decode failed", "err", err)
	}
	if text == "" {
		return
	}
	s.buf += text
	s.call("raw chunk", func() error { return s.sink.OnRawChunk(text) })
	s.drainLines()
}

// finish flushes the text decoder, treats an unterminated tail as a last line
// and finalizes whatever frame remains.
func (s *session) finish() {
	s.append(s.text.decode(nil, true))
	if s.buf != "" {
		line := strings.TrimSuffix(s.buf, "\r")
		s.buf = ""
		s.processLine(line)
	}
	s.finalize()
}

func (s *session) cancel(r io.Reader, cause error) FinalResult {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
	s.decoder.logger.Debug("decode cancelled", "err", cause, "events", s.events, "final", s.result != nil)
	return s.result
}

func (s *session) fail(err error) {
	s.decoder.logger.Error("stream decode failed", "err", err)
	s.call("error", func() error {
		s.sink.OnError(err)
		return nil
	})
}

func (s *session) drainLines() {
	for s.ctx.Err() == nil {
		idx := strings.IndexByte(s.buf, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimSuffix(s.buf[:idx], "\r")
		s.buf = s.buf[idx+1:]
		s.processLine(line)
	}
}

func (s *session) processLine(line string) {
	switch {
	case line == "":
		s.finalize()
	case strings.HasPrefix(line, "event:"):
		s.eventName = strings.TrimSpace(line[len("event:"):])
	case strings.HasPrefix(line, "data:"):
		s.dataLines = append(s.dataLines, strings.TrimSpace(line[len("data:"):]))
	}
}

func (s *session) finalize() {
	if len(s.dataLines) == 0 {
		return
	}
	raw := strings.Join(s.dataLines, "\n")
	s.dataLines = s.dataLines[:0]
	if raw == doneSentinel {
		return
	}

	name := s.eventName
	if name == "" {
		name = DefaultEventName
	}
	ev := Event{Name: name, Raw: raw}
	logger := s.decoder.logger

	if LooksStructured(raw) {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			logger.Warn("skipping payload parse", "err", &PayloadParseError{Event: name, Raw: raw, Err: err})
		} else {
			ev.Parsed = v
		}
	} else {
		logger.Debug("non-JSON payload", "event", name, "data", Preview(raw, 120))
	}

	s.events++
	logger.Debug("sse event", "event", name, "bytes", len(raw), "json", ev.Parsed != nil)
	s.call("event", func() error { return s.sink.OnEvent(ev) })

	if ev.Parsed != nil && s.decoder.matcher.Match(ev.Parsed) {
		s.result = FinalResult(ev.Parsed.(map[string]any))
	}
	s.eventName = ""
}

// call runs a sink callback, converting panics into errors and logging any
// failure instead of returning it.
func (s *session) call(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.decoder.logger.Warn("sink callback failed", "err", &SinkCallbackError{Callback: name, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	if err := fn(); err != nil {
		s.decoder.logger.Warn("sink callback failed", "err", &SinkCallbackError{Callback: name, Err: err})
	}
}
