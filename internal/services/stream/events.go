package stream

import (
	"encoding/xml"
	"time"

	"github.com/temirov/toolstream/internal/types"
)

const SchemaVersion = 1

type EventKind string

const (
	EventKindContent       EventKind = "content"
	EventKindThinkingStart EventKind = "thinking_start"
	EventKindThinkingChunk EventKind = "thinking_chunk"
	EventKindThinkingEnd   EventKind = "thinking_end"
	EventKindToolCall      EventKind = "tool_call"
	EventKindSummary       EventKind = "summary"
	EventKindWarning       EventKind = "warning"
)

type Event struct {
	XMLName   xml.Name  `json:"-" xml:"event"`
	Version   int       `json:"version" xml:"version,attr"`
	Kind      EventKind `json:"kind" xml:"kind,attr"`
	MessageID string    `json:"messageId,omitempty" xml:"messageId,attr,omitempty"`
	EmittedAt time.Time `json:"emittedAt,omitempty" xml:"emittedAt,attr,omitempty"`

	Text string `json:"text,omitempty" xml:"text,omitempty"`

	Server        string         `json:"server,omitempty" xml:"server,attr,omitempty"`
	Tool          string         `json:"tool,omitempty" xml:"tool,attr,omitempty"`
	CardID        string         `json:"cardId,omitempty" xml:"cardId,attr,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty" xml:"-"`
	ArgumentsJSON string         `json:"-" xml:"arguments,omitempty"`

	Summary *types.ReplySummary `json:"summary,omitempty" xml:"summary,omitempty"`
	Message *LogEvent           `json:"message,omitempty" xml:"message,omitempty"`
}

type LogEvent struct {
	Level   string `json:"level,omitempty" xml:"level,attr,omitempty"`
	Message string `json:"message" xml:",chardata"`
}
