// Package types defines every cross‑package data structure used by the toolstream CLI.
package types

import (
	"encoding/xml"
	"time"
)

const (
	CommandParse = "parse"
	CommandClean = "clean"

	FormatRaw  = "raw"
	FormatJSON = "json"
	FormatXML  = "xml"

	// CardMarkerKey is the member name that identifies a card marker inside message content.
	CardMarkerKey = "__tool_call_card__"
)

// CardStatus is the lifecycle status of a tool-call card.
type CardStatus string

const (
	CardStatusPendingAuthorization CardStatus = "pending_auth"
	CardStatusRunning              CardStatus = "running"
	CardStatusSucceeded            CardStatus = "succeeded"
	CardStatusFailed               CardStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (status CardStatus) IsTerminal() bool {
	return status == CardStatusSucceeded || status == CardStatusFailed
}

// ToolCard is the record of one decoded invocation within a message.
type ToolCard struct {
	XMLName   xml.Name       `json:"-" xml:"card"`
	ID        string         `json:"id" xml:"id,attr"`
	Server    string         `json:"server" xml:"server,attr"`
	Tool      string         `json:"tool" xml:"tool,attr"`
	Status    CardStatus     `json:"status" xml:"status,attr"`
	Arguments map[string]any `json:"arguments" xml:"-"`
	MessageID string         `json:"messageId" xml:"messageId,attr"`
}

// CardMarker is the single-line object embedded in message content for a card.
type CardMarker struct {
	Card ToolCard `json:"__tool_call_card__"`
}

// LifecycleEventKind names a lifecycle transition dispatched to the store.
type LifecycleEventKind string

const (
	LifecycleDetectingStart LifecycleEventKind = "tool_detecting_start"
	LifecycleDetectingEnd   LifecycleEventKind = "tool_detecting_end"
	LifecycleCardCreated    LifecycleEventKind = "card_created"
	LifecycleCardAuthorized LifecycleEventKind = "card_authorized"
	LifecycleCardCompleted  LifecycleEventKind = "card_completed"
	LifecycleCardFailed     LifecycleEventKind = "card_failed"
)

// LifecycleEvent is a transition notification for the rendering surface.
type LifecycleEvent struct {
	Kind       LifecycleEventKind `json:"kind"`
	CardID     string             `json:"cardId,omitempty"`
	Server     string             `json:"server,omitempty"`
	Tool       string             `json:"tool,omitempty"`
	Status     CardStatus         `json:"status,omitempty"`
	Arguments  map[string]any     `json:"arguments,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// ReplySummary captures aggregate information about one processed reply.
type ReplySummary struct {
	VisibleCharacters  int    `json:"visibleCharacters" xml:"visibleCharacters,attr"`
	ThinkingCharacters int    `json:"thinkingCharacters" xml:"thinkingCharacters,attr"`
	ThinkingDuration   string `json:"thinkingDuration,omitempty" xml:"thinkingDuration,attr,omitempty"`
	ToolCalled         bool   `json:"toolCalled" xml:"toolCalled,attr"`
	CardID             string `json:"cardId,omitempty" xml:"cardId,attr,omitempty"`
	SuppressedBlocks   int    `json:"suppressedBlocks,omitempty" xml:"suppressedBlocks,attr,omitempty"`
	Tokens             int    `json:"tokens,omitempty" xml:"tokens,attr,omitempty"`
	Model              string `json:"model,omitempty" xml:"model,attr,omitempty"`
}
