package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// chunkReader yields each element of chunks from a separate Read call.
type chunkReader struct {
	chunks [][]byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func splitAt(input string, cuts ...int) *chunkReader {
	r := &chunkReader{}
	prev := 0
	for _, c := range cuts {
		r.chunks = append(r.chunks, []byte(input[prev:c]))
		prev = c
	}
	r.chunks = append(r.chunks, []byte(input[prev:]))
	return r
}

func byteByByte(input string) *chunkReader {
	r := &chunkReader{}
	for i := 0; i < len(input); i++ {
		r.chunks = append(r.chunks, []byte{input[i]})
	}
	return r
}

func decodeAll(d *Decoder, r io.Reader) ([]Event, FinalResult, error) {
	c := &Collector{}
	res, err := d.Decode(context.Background(), r, c)
	return c.Events, res, err
}

var _ = Describe("Decoder", func() {
	var d *Decoder

	BeforeEach(func() {
		d = NewDecoder()
	})

	Describe("Decode", func() {
		Context("with complete frames", func() {
			It("emits one event per frame with the default name", func() {
				events, res, err := decodeAll(d, strings.NewReader("data: hello\n\ndata: world\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(BeNil())
				Expect(events).To(Equal([]Event{
					{Name: "message", Raw: "hello"},
					{Name: "message", Raw: "world"},
				}))
			})

			It("joins multiple data lines with a newline", func() {
				events, _, err := decodeAll(d, strings.NewReader("data: a\ndata: b\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(HaveLen(1))
				Expect(events[0].Raw).To(Equal("a\nb"))
			})

			It("strips carriage returns from CRLF framing", func() {
				events, _, err := decodeAll(d, strings.NewReader("event: ping\r\ndata: x\r\n\r\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(Equal([]Event{{Name: "ping", Raw: "x"}}))
			})

			It("accepts markers without a space after the colon", func() {
				events, _, err := decodeAll(d, strings.NewReader("event:tick\ndata:1\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(HaveLen(1))
				Expect(events[0].Name).To(Equal("tick"))
				Expect(events[0].Raw).To(Equal("1"))
			})

			It("ignores unknown fields and comments", func() {
				events, _, err := decodeAll(d, strings.NewReader(": keep-alive\nid: 7\nretry: 3000\ndata: hi\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(Equal([]Event{{Name: "message", Raw: "hi"}}))
			})

			It("does not emit for blank lines without data", func() {
				events, _, err := decodeAll(d, strings.NewReader("\n\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(BeEmpty())
			})

			It("resets the event name after each emitted frame", func() {
				events, _, err := decodeAll(d, strings.NewReader("event: first\ndata: 1\n\ndata: 2\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events[0].Name).To(Equal("first"))
				Expect(events[1].Name).To(Equal("message"))
			})

			It("uses the latest event name when it changes mid-frame", func() {
				events, _, err := decodeAll(d, strings.NewReader("event: a\ndata: 1\nevent: b\ndata: 2\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(Equal([]Event{{Name: "b", Raw: "1\n2"}}))
			})
		})

		Context("with the [DONE] sentinel", func() {
			It("emits nothing", func() {
				events, res, err := decodeAll(d, strings.NewReader("data: [DONE]\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(BeEmpty())
				Expect(res).To(BeNil())
			})

			It("only matches the whole joined payload", func() {
				events, _, err := decodeAll(d, strings.NewReader("data: [DONE]\ndata: more\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(HaveLen(1))
				Expect(events[0].Raw).To(Equal("[DONE]\nmore"))
			})
		})

		Context("with structured payloads", func() {
			It("parses JSON and tracks a workflow.finish result", func() {
				input := "event: workflow.finish\ndata: {\"output\":\"x\"}\n\n"
				events, res, err := decodeAll(d, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(HaveLen(1))
				Expect(events[0].Name).To(Equal("workflow.finish"))
				Expect(events[0].Parsed).To(Equal(map[string]any{"output": "x"}))
				Expect(res).To(Equal(FinalResult{"output": "x"}))
			})

			It("keeps the last qualifying payload", func() {
				input := "event: workflow.finish\ndata: {\"output\":\"x\"}\n\n" +
					"data: {\"content\":\"y\"}\n\n"
				_, res, err := decodeAll(d, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal(FinalResult{"content": "y"}))
			})

			It("does not clear the result on a later non-qualifying payload", func() {
				input := "data: {\"output\":\"x\"}\n\n" +
					"data: {\"progress\":50}\n\n" +
					"data: plain text\n\n"
				_, res, err := decodeAll(d, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal(FinalResult{"output": "x"}))
			})

			It("matches on the payload's event field", func() {
				_, res, err := decodeAll(d, strings.NewReader("data: {\"event\":\"workflow.run.finish\"}\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal(FinalResult{"event": "workflow.run.finish"}))
			})

			It("parses arrays but never treats them as results", func() {
				events, res, err := decodeAll(d, strings.NewReader("data:  [1, 2]\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events[0].Parsed).To(Equal([]any{float64(1), float64(2)}))
				Expect(res).To(BeNil())
			})

			It("delivers malformed JSON with a nil payload and keeps going", func() {
				input := "data: {\"output\":\"x\"}\n\n" +
					"data: {bad json\n\n" +
					"data: {\"data\":\"z\"}\n\n"
				events, res, err := decodeAll(d, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(HaveLen(3))
				Expect(events[1].Raw).To(Equal("{bad json"))
				Expect(events[1].Parsed).To(BeNil())
				Expect(res).To(Equal(FinalResult{"data": "z"}))
			})

			It("leaves the result alone when only malformed JSON follows", func() {
				_, res, err := decodeAll(d, strings.NewReader("data: {\"output\":\"x\"}\n\ndata: {bad json\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal(FinalResult{"output": "x"}))
			})

			It("honours a custom result matcher", func() {
				d = NewDecoder(WithResultMatcher(ResultMatcher{Events: []string{"done"}}))
				input := "data: {\"output\":\"x\"}\n\ndata: {\"event\":\"done\",\"n\":1}\n\n"
				_, res, err := decodeAll(d, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal(FinalResult{"event": "done", "n": float64(1)}))
			})
		})

		Context("at end of stream", func() {
			It("finalizes a frame missing its trailing blank line exactly once", func() {
				events, _, err := decodeAll(d, strings.NewReader("data: a\n\ndata: tail\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(Equal([]Event{
					{Name: "message", Raw: "a"},
					{Name: "message", Raw: "tail"},
				}))
			})

			It("treats an unterminated last line as a line", func() {
				events, res, err := decodeAll(d, strings.NewReader("event: workflow.finish\ndata: {\"output\":\"done\"}"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(HaveLen(1))
				Expect(res).To(Equal(FinalResult{"output": "done"}))
			})

			It("returns nil for an empty stream", func() {
				events, res, err := decodeAll(d, strings.NewReader(""))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(BeEmpty())
				Expect(res).To(BeNil())
			})
		})

		Context("with arbitrary chunk boundaries", func() {
			const input = "event: workflow.start\r\ndata: {\"msg\":\"héllo 世界 🚀\"}\r\n\r\n" +
				": comment\n" +
				"data: line one\ndata: line two\n\n" +
				"event: workflow.finish\ndata: {\"output\":\"終わり\"}\n\n" +
				"data: [DONE]\n\n"

			var want []Event
			var wantResult FinalResult

			BeforeEach(func() {
				var err error
				want, wantResult, err = decodeAll(d, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(want).To(HaveLen(3))
			})

			It("matches the single-chunk result when fed one byte at a time", func() {
				got, res, err := decodeAll(d, byteByByte(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(want))
				Expect(res).To(Equal(wantResult))
			})

			It("matches the single-chunk result for every two-way split", func() {
				for i := 1; i < len(input); i++ {
					got, res, err := decodeAll(d, splitAt(input, i))
					Expect(err).NotTo(HaveOccurred())
					Expect(got).To(Equal(want), "split at %d", i)
					Expect(res).To(Equal(wantResult), "split at %d", i)
				}
			})

			It("reassembles multi-byte characters split across chunks", func() {
				idx := strings.Index(input, "世")
				got, _, err := decodeAll(d, splitAt(input, idx+1, idx+2))
				Expect(err).NotTo(HaveOccurred())
				Expect(got[0].Raw).To(ContainSubstring("世界"))
			})

			It("is idempotent across independent invocations", func() {
				again, res, err := decodeAll(d, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(again).To(Equal(want))
				Expect(res).To(Equal(wantResult))
			})
		})

		Context("with raw chunk observation", func() {
			It("reports each decoded increment", func() {
				c := &Collector{}
				_, err := d.Decode(context.Background(), splitAt("data: a\n\n", 4), c)
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Chunks).To(Equal([]string{"data", ": a\n\n"}))
			})

			It("drops a leading byte order mark", func() {
				events, _, err := decodeAll(d, strings.NewReader("\ufeffdata: x\n\n"))
				Expect(err).NotTo(HaveOccurred())
				Expect(events).To(Equal([]Event{{Name: "message", Raw: "x"}}))
			})
		})

		Context("with failing sinks", func() {
			It("keeps delivering after a callback returns an error", func() {
				var names []string
				sink := SinkFuncs{Event: func(ev Event) error {
					names = append(names, ev.Raw)
					return errors.New("consumer failed")
				}}
				res, err := d.Decode(context.Background(), strings.NewReader("data: {\"output\":1}\n\ndata: b\n\n"), sink)
				Expect(err).NotTo(HaveOccurred())
				Expect(names).To(Equal([]string{"{\"output\":1}", "b"}))
				Expect(res).To(Equal(FinalResult{"output": float64(1)}))
			})

			It("recovers from a panicking callback", func() {
				var buf bytes.Buffer
				d = NewDecoder(WithLogger(log.New(&buf)))
				calls := 0
				sink := SinkFuncs{
					Event: func(Event) error {
						calls++
						if calls == 1 {
							panic("boom")
						}
						return nil
					},
					RawChunk: func(string) error { panic("raw boom") },
				}
				_, err := d.Decode(context.Background(), strings.NewReader("data: a\n\ndata: b\n\n"), sink)
				Expect(err).NotTo(HaveOccurred())
				Expect(calls).To(Equal(2))
				Expect(buf.String()).To(ContainSubstring("sink callback failed"))
			})
		})

		Context("with transport failures", func() {
			It("fails immediately without a reader", func() {
				c := &Collector{}
				res, err := d.Decode(context.Background(), nil, c)
				Expect(err).To(MatchError(ErrStreamUnavailable))
				Expect(res).To(BeNil())
				Expect(c.Errors).To(ConsistOf(ErrStreamUnavailable))
			})

			It("returns a TransportReadError and notifies the sink", func() {
				c := &Collector{}
				r := &chunkReader{chunks: [][]byte{[]byte("data: a\n\n")}, err: errors.New("connection reset")}
				res, err := d.Decode(context.Background(), r, c)

				var readErr *TransportReadError
				Expect(errors.As(err, &readErr)).To(BeTrue())
				Expect(readErr.Err).To(MatchError("connection reset"))
				Expect(IsFatal(err)).To(BeTrue())
				Expect(res).To(BeNil())
				Expect(c.Events).To(HaveLen(1))
				Expect(c.Errors).To(HaveLen(1))
			})
		})

		Context("with cancellation", func() {
			It("returns the result established before the cancel", func() {
				pr, pw := io.Pipe()
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()

				sink := SinkFuncs{Event: func(ev Event) error {
					cancel()
					return nil
				}}
				go func() {
					_, _ = pw.Write([]byte("data: {\"output\":\"partial\"}\n\n"))
				}()

				res, err := d.Decode(ctx, pr, sink)
				Expect(err).NotTo(HaveOccurred())
				Expect(res).To(Equal(FinalResult{"output": "partial"}))

				_, werr := pw.Write([]byte("data: late\n\n"))
				Expect(werr).To(MatchError(io.ErrClosedPipe))
			})
		})

		Context("when the sink cancels mid-stream", func() {
			It("stops before any queued chunk", func() {
				for range 50 {
					r := &chunkReader{}
					for i := range 50 {
						r.chunks = append(r.chunks, []byte(fmt.Sprintf("data: {\"output\":\"n%d\"}\n\n", i)))
					}
					ctx, cancel := context.WithCancel(context.Background())
					events := 0
					sink := SinkFuncs{Event: func(ev Event) error {
						events++
						cancel()
						return nil
					}}

					res, err := d.Decode(ctx, r, sink)
					cancel()
					Expect(err).NotTo(HaveOccurred())
					Expect(events).To(Equal(1))
					Expect(res).To(Equal(FinalResult{"output": "n0"}))
				}
			})

			It("stops before the remaining frames of the same chunk", func() {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				var names []string
				sink := SinkFuncs{Event: func(ev Event) error {
					names = append(names, ev.Name)
					cancel()
					return nil
				}}

				body := "event: a\ndata: {\"output\":\"first\"}\n\nevent: b\ndata: {\"output\":\"second\"}\n\n"
				res, err := d.Decode(ctx, strings.NewReader(body), sink)
				Expect(err).NotTo(HaveOccurred())
				Expect(names).To(Equal([]string{"a"}))
				Expect(res).To(Equal(FinalResult{"output": "first"}))
			})

			It("does not flush the trailing frame at EOF", func() {
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				c := &Collector{}
				sink := SinkFuncs{
					Event: func(ev Event) error {
						_ = c.OnEvent(ev)
						cancel()
						return nil
					},
				}

				res, err := d.Decode(ctx, strings.NewReader("data: one\n\ndata: {\"output\":\"tail\"}"), sink)
				Expect(err).NotTo(HaveOccurred())
				Expect(c.Events).To(HaveLen(1))
				Expect(res).To(BeNil())
			})
		})

		Context("with a custom chunk size", func() {
			It("decodes the same events one byte per read", func() {
				input := "event: node\ndata: {\"content\":\"世界\"}\n\ndata: tail\n\n"
				small := NewDecoder(WithChunkSize(1))

				want, wantRes, err := decodeAll(d, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				got, gotRes, err := decodeAll(small, strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(got).To(Equal(want))
				Expect(gotRes).To(Equal(wantRes))
				Expect(got).To(HaveLen(2))
			})

			It("ignores non-positive sizes", func() {
				Expect(NewDecoder(WithChunkSize(0)).chunkSize).To(Equal(defaultChunkSize))
			})
		})

		Context("with concurrent invocations", func() {
			It("keeps sessions independent", func() {
				inputs := []string{
					"data: {\"output\":\"one\"}\n\n",
					"event: x\ndata: {\"content\":\"two\"}\n\n",
				}
				results := make([]FinalResult, len(inputs))
				var wg sync.WaitGroup
				for i, in := range inputs {
					wg.Add(1)
					go func() {
						defer GinkgoRecover()
						defer wg.Done()
						res, err := d.Decode(context.Background(), byteByByte(in), nil)
						Expect(err).NotTo(HaveOccurred())
						results[i] = res
					}()
				}
				wg.Wait()
				Expect(results[0]).To(Equal(FinalResult{"output": "one"}))
				Expect(results[1]).To(Equal(FinalResult{"content": "two"}))
			})
		})
	})
})
