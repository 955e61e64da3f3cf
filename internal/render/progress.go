package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/markis/cozeflow/internal/stream"
)

const statusEvery = 5

// Progress is a stream.Sink that reports run progress on the terminal and
// keeps a short log of every event for the final summary.
type Progress struct {
	renderer *TerminalRenderer
	logger   *log.Logger

	events int
	logs   []string
	last   any
}

var _ stream.Sink = (*Progress)(nil)

// NewProgress returns a Progress printing through renderer.
func NewProgress(renderer *TerminalRenderer, logger *log.Logger) *Progress {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Progress{renderer: renderer, logger: logger}
}

func (p *Progress) OnEvent(ev stream.Event) error {
	p.events++
	p.logger.Debug("workflow event", "n", p.events, "event", ev.Name, "data", stream.Preview(ev.Raw, 200))

	switch {
	case ev.Parsed != nil:
		b, err := json.Marshal(ev.Parsed)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.Name, err)
		}
		p.logs = append(p.logs, fmt.Sprintf("[%s] %s", ev.Name, stream.Preview(string(b), 100)))
		p.last = ev.Parsed
		if isCompletion(ev) {
			p.logger.Info("workflow completion event", "event", ev.Name)
		}
	case ev.Raw != "":
		p.logs = append(p.logs, fmt.Sprintf("[%s] %s", ev.Name, stream.Preview(ev.Raw, 120)))
	}

	if p.events%statusEvery == 0 {
		p.renderer.Status(StatusInfo, fmt.Sprintf("Workflow running... %d events received", p.events))
	}
	return nil
}

func (p *Progress) OnRawChunk(text string) error {
	p.logger.Debug("raw chunk", "data", stream.Preview(text, 100))
	return nil
}

func (p *Progress) OnError(err error) {
	p.renderer.Status(StatusError, "Stream error: "+err.Error())
}

// Events returns how many events were received.
func (p *Progress) Events() int { return p.events }

// Logs returns the collected one-line event summaries.
func (p *Progress) Logs() []string { return p.logs }

// Last returns the most recent parsed payload, whether or not it qualified as
// a final result.
func (p *Progress) Last() any { return p.last }

// isCompletion reports events that name a finished or completed step, either
// in the frame name or in the payload's event field.
func isCompletion(ev stream.Event) bool {
	if ev.Name == "workflow.finish" || ev.Name == "workflow.run.finish" {
		return true
	}
	obj, ok := ev.Parsed.(map[string]any)
	if !ok {
		return false
	}
	name, _ := obj["event"].(string)
	return strings.Contains(name, "finish") || strings.Contains(name, "complete")
}
