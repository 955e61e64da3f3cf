package stream

// DefaultEventName is used when a frame carried no "event:" line.
const DefaultEventName = "message"

// Event is one finalized frame.
type Event struct {
	// Name is the frame's event name, or DefaultEventName.
	Name string

	// Raw is the frame's data lines joined with "\n".
	Raw string

	// Parsed is the decoded JSON value, or nil when Raw is not JSON.
	Parsed any
}

// FinalResult is the last parsed object that matched the ResultMatcher.
type FinalResult map[string]any

// Sink receives decoded output. Errors returned from OnEvent and OnRawChunk
// are logged and do not stop the decode.
type Sink interface {
	OnEvent(ev Event) error
	OnRawChunk(text string) error
	OnError(err error)
}

// SinkFuncs adapts plain functions to a Sink. Nil fields are no-ops.
type SinkFuncs struct {
	Event    func(ev Event) error
	RawChunk func(text string) error
	Error    func(err error)
}

var _ Sink = SinkFuncs{}

func (f SinkFuncs) OnEvent(ev Event) error {
	if f.Event == nil {
		return nil
	}
	return f.Event(ev)
}

func (f SinkFuncs) OnRawChunk(text string) error {
	if f.RawChunk == nil {
		return nil
	}
	return f.RawChunk(text)
}

func (f SinkFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// Collector is a Sink that keeps everything it receives in memory.
type Collector struct {
	Events []Event
	Chunks []string
	Errors []error
}

var _ Sink = (*Collector)(nil)

func (c *Collector) OnEvent(ev Event) error {
	c.Events = append(c.Events, ev)
	return nil
}

func (c *Collector) OnRawChunk(text string) error {
	c.Chunks = append(c.Chunks, text)
	return nil
}

func (c *Collector) OnError(err error) {
	c.Errors = append(c.Errors, err)
}
