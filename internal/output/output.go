// Package output renders reply events for the terminal.
package output

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/temirov/toolstream/internal/types"
)

const (
	// FormatRaw prints the visible reply text as it streams.
	FormatRaw = "raw"
	// FormatJSON prints a JSON array of wire events.
	FormatJSON = "json"
	// FormatXML prints an XML document of wire events.
	FormatXML = "xml"

	toolCallLinePrefix = "[tool call] "
	thinkingOpenLabel  = "[thinking]"
	thinkingCloseLabel = "[/thinking]"
)

// RendererOptions tunes the renderer created by NewStreamRenderer.
type RendererOptions struct {
	IncludeSummary  bool
	IncludeThinking bool
}

// NewStreamRenderer returns the renderer for format.
func NewStreamRenderer(format string, stdout, stderr io.Writer, options RendererOptions) (StreamRenderer, error) {
	switch strings.ToLower(format) {
	case "", FormatRaw:
		return NewRawStreamRenderer(stdout, stderr, options), nil
	case FormatJSON:
		return NewJSONStreamRenderer(stdout, stderr), nil
	case FormatXML:
		return NewXMLStreamRenderer(stdout, stderr), nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// FormatSummaryLine formats a ReplySummary into the raw summary line.
func FormatSummaryLine(summary *types.ReplySummary) string {
	if summary == nil {
		summary = &types.ReplySummary{}
	}
	label := "characters"
	if summary.VisibleCharacters == 1 {
		label = "character"
	}
	extra := ""
	if summary.ThinkingCharacters > 0 {
		extra = fmt.Sprintf(", %d thinking", summary.ThinkingCharacters)
		if summary.ThinkingDuration != "" {
			extra += fmt.Sprintf(" in %s", summary.ThinkingDuration)
		}
	}
	if summary.Tokens > 0 {
		extra += fmt.Sprintf(", %d tokens", summary.Tokens)
	}
	if summary.SuppressedBlocks > 0 {
		extra += fmt.Sprintf(", %d suppressed", summary.SuppressedBlocks)
	}
	toolSuffix := ", no tool call"
	if summary.ToolCalled {
		toolSuffix = ", tool call"
		if summary.CardID != "" {
			toolSuffix += " " + summary.CardID
		}
	}
	modelSuffix := ""
	if summary.Model != "" {
		modelSuffix = fmt.Sprintf(" (model: %s)", summary.Model)
	}
	return fmt.Sprintf("Summary: %d %s%s%s%s", summary.VisibleCharacters, label, extra, toolSuffix, modelSuffix)
}

// FormatToolCallLine renders an invocation as a single line with arguments in key order.
func FormatToolCallLine(server, tool, cardID string, arguments map[string]any) string {
	var builder strings.Builder
	builder.WriteString(toolCallLinePrefix)
	if server != "" {
		builder.WriteString(server)
		builder.WriteString(".")
	}
	builder.WriteString(tool)
	keys := make([]string, 0, len(arguments))
	for key := range arguments {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&builder, " %s=%v", key, arguments[key])
	}
	if cardID != "" {
		fmt.Fprintf(&builder, " (card %s)", cardID)
	}
	return builder.String()
}
