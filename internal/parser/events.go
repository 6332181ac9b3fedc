// Package parser splits a streamed model reply into prose, thinking segments and tool invocations.
package parser

// Event is a unit emitted by the Tokenizer. The set of implementations is closed.
type Event interface {
	isEvent()
}

// ContentToken carries visible prose.
type ContentToken struct {
	Text string
}

// ThinkingStart marks the opening of a thinking segment.
type ThinkingStart struct{}

// ThinkingToken carries text inside a thinking segment.
type ThinkingToken struct {
	Text string
}

// ThinkingEnd marks the closing of a thinking segment.
type ThinkingEnd struct{}

// ToolCall is a fully decoded tool invocation.
type ToolCall struct {
	Server    string
	Tool      string
	Arguments map[string]any
}

func (ContentToken) isEvent()  {}
func (ThinkingStart) isEvent() {}
func (ThinkingToken) isEvent() {}
func (ThinkingEnd) isEvent()   {}
func (ToolCall) isEvent()      {}

var (
	_ Event = ContentToken{}
	_ Event = ThinkingStart{}
	_ Event = ThinkingToken{}
	_ Event = ThinkingEnd{}
	_ Event = ToolCall{}
)
