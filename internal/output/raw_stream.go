package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/temirov/toolstream/internal/services/stream"
	"github.com/temirov/toolstream/internal/types"
)

type rawStreamRenderer struct {
	stdout          io.Writer
	stderr          io.Writer
	includeSummary  bool
	includeThinking bool
	summary         *types.ReplySummary
	lineOpen        bool
}

func NewRawStreamRenderer(stdout, stderr io.Writer, options RendererOptions) StreamRenderer {
	return &rawStreamRenderer{
		stdout:          stdout,
		stderr:          stderr,
		includeSummary:  options.IncludeSummary,
		includeThinking: options.IncludeThinking,
	}
}

func (renderer *rawStreamRenderer) Handle(event stream.Event) error {
	switch event.Kind {
	case stream.EventKindWarning:
		if event.Message != nil && renderer.stderr != nil {
			fmt.Fprintln(renderer.stderr, event.Message.Message)
		}
	case stream.EventKindContent:
		return renderer.write(event.Text)
	case stream.EventKindThinkingStart:
		if renderer.includeThinking && renderer.stderr != nil {
			fmt.Fprintln(renderer.stderr, thinkingOpenLabel)
		}
	case stream.EventKindThinkingChunk:
		if renderer.includeThinking && renderer.stderr != nil {
			fmt.Fprint(renderer.stderr, event.Text)
		}
	case stream.EventKindThinkingEnd:
		if renderer.includeThinking && renderer.stderr != nil {
			fmt.Fprintln(renderer.stderr)
			fmt.Fprintln(renderer.stderr, thinkingCloseLabel)
		}
	case stream.EventKindToolCall:
		if err := renderer.endLine(); err != nil {
			return err
		}
		return renderer.write(FormatToolCallLine(event.Server, event.Tool, event.CardID, event.Arguments) + "\n")
	case stream.EventKindSummary:
		renderer.summary = event.Summary
	}
	return nil
}

func (renderer *rawStreamRenderer) Flush() error {
	if err := renderer.endLine(); err != nil {
		return err
	}
	if renderer.includeSummary && renderer.stdout != nil {
		if _, err := fmt.Fprintln(renderer.stdout, FormatSummaryLine(renderer.summary)); err != nil {
			return err
		}
	}
	return nil
}

func (renderer *rawStreamRenderer) write(text string) error {
	if renderer.stdout == nil || text == "" {
		return nil
	}
	if _, err := io.WriteString(renderer.stdout, text); err != nil {
		return err
	}
	renderer.lineOpen = !strings.HasSuffix(text, "\n")
	return nil
}

func (renderer *rawStreamRenderer) endLine() error {
	if !renderer.lineOpen || renderer.stdout == nil {
		return nil
	}
	renderer.lineOpen = false
	_, err := io.WriteString(renderer.stdout, "\n")
	return err
}
