package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/cli/go-gh/v2/pkg/markdown"
)

// StatusKind selects the style of a status line.
type StatusKind int

const (
	StatusInfo StatusKind = iota
	StatusSuccess
	StatusError
)

var (
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Summary is everything printed once a run completes.
type Summary struct {
	// Result is the stream's final result, or the last parsed payload when
	// no final result was reported.
	Result   any
	Logs     []string
	Started  time.Time
	Finished time.Time
}

type TerminalRenderer struct {
	markdown  *glamour.TermRenderer
	plainText bool
	out       io.Writer
}

func NewTerminalRenderer(out io.Writer, usePlainText bool) *TerminalRenderer {
	var md *glamour.TermRenderer
	if !usePlainText {
		var err error
		md, err = glamour.NewTermRenderer(
			markdown.WithWrap(120),
			glamour.WithAutoStyle(),
		)
		if err != nil {
			usePlainText = true
		}
	}

	return &TerminalRenderer{
		markdown:  md,
		plainText: usePlainText,
		out:       out,
	}
}

// Status prints a single styled status line.
func (t *TerminalRenderer) Status(kind StatusKind, msg string) {
	if t.plainText {
		fmt.Fprintln(t.out, msg)
		return
	}
	fmt.Fprintln(t.out, statusStyle(kind).Render(msg))
}

func statusStyle(kind StatusKind) lipgloss.Style {
	switch kind {
	case StatusSuccess:
		return successStyle
	case StatusError:
		return errorStyle
	default:
		return infoStyle
	}
}

// Render prints the main content of a run followed by timing and the debug
// link, if the result carries one.
func (t *TerminalRenderer) Render(s Summary) error {
	var content string
	switch {
	case s.Result != nil:
		content = ExtractMainContent(s.Result)
	case len(s.Logs) > 0:
		tail := s.Logs[max(0, len(s.Logs)-3):]
		content = "Recovered from the execution log:\n\n" + strings.Join(tail, "\n")
	default:
		content = "No content"
	}

	t.heading("Result")
	if err := t.renderContent(content); err != nil {
		return err
	}

	fmt.Fprintln(t.out)
	t.field("Finished", s.Finished.Format("2006-01-02 15:04:05"))
	if !s.Started.IsZero() {
		elapsed := s.Finished.Sub(s.Started).Round(time.Second)
		t.field("Elapsed", fmt.Sprintf("%d s", int(elapsed.Seconds())))
	}
	if url := DebugURL(s.Result); url != "" {
		t.field("Debug", url)
	} else {
		t.field("Debug", "no debug link")
	}
	return nil
}

func (t *TerminalRenderer) heading(text string) {
	if t.plainText {
		fmt.Fprintln(t.out, text+":")
		return
	}
	fmt.Fprintln(t.out, headerStyle.Render(text))
}

func (t *TerminalRenderer) field(label, value string) {
	if t.plainText {
		fmt.Fprintf(t.out, "%s: %s\n", label, value)
		return
	}
	fmt.Fprintf(t.out, "%s %s\n", dimStyle.Render(label+":"), value)
}

func (t *TerminalRenderer) renderContent(content string) error {
	if t.plainText {
		fmt.Fprintln(t.out, content)
		return nil
	}

	content = strings.TrimSpace(content)
	mdContent, err := t.markdown.Render(content)
	if err != nil {
		return fmt.Errorf("failed to render markdown: %w", err)
	}

	fmt.Fprintln(t.out, strings.TrimSpace(mdContent))
	return nil
}
