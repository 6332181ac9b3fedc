// Package valve withholds visible text that could be the prefix of a tool invocation until
// the ambiguity resolves.
package valve

import (
	"github.com/temirov/toolstream/internal/parser"
	"github.com/temirov/toolstream/internal/textscan"
)

const (
	// DefaultGuardWindow is the number of trailing bytes kept back while no trigger matched.
	DefaultGuardWindow = 64
	// DefaultMaxHeld bounds an open hold; a larger hold is resolved early.
	DefaultMaxHeld = 16384

	channelMarker   = "<|channel|>"
	commentaryWord  = "commentary"
	assignmentWord  = "to"
	useToolOpenTag  = "<use_mcp_tool>"
	useToolCloseTag = "</use_mcp_tool>"
	toolCallOpenTag = "<tool_call>"
	toolCallClose   = "</tool_call>"
)

// TriggerKind identifies the pattern that opened a hold.
type TriggerKind string

const (
	// TriggerChannel is a `<|channel|>` header.
	TriggerChannel TriggerKind = "channel"
	// TriggerCommentary is a bare `commentary to=` header.
	TriggerCommentary TriggerKind = "commentary"
	// TriggerAssignment is a `to=server.tool` target after whitespace.
	TriggerAssignment TriggerKind = "assignment"
	// TriggerUseTool is a `<use_mcp_tool>` block.
	TriggerUseTool TriggerKind = "use_mcp_tool"
	// TriggerToolCall is a `<tool_call>` block.
	TriggerToolCall TriggerKind = "tool_call"
	// TriggerObject is an object whose first member is an invocation key or the
	// tool_call discriminator.
	TriggerObject TriggerKind = "object"
)

// Options configures a Valve.
type Options struct {
	GuardWindow int
	MaxHeld     int
}

// Gap is a withheld block that no decoder recognized. It is never shown.
type Gap struct {
	Trigger TriggerKind
	Text    string
}

// Result is the outcome of one Filter or Finish call.
type Result struct {
	Visible string
	Calls   []parser.ToolCall
	Gaps    []Gap
	Opened  int
	Closed  int
}

// Valve is owned by a single reply and is not safe for concurrent use.
type Valve struct {
	guardWindow int
	maxHeld     int

	held    string
	active  bool
	trigger TriggerKind
	scanned int
	tracker textscan.DepthTracker

	previous    byte
	hasPrevious bool
	finished    bool
}

// New returns an inactive Valve.
func New(options Options) *Valve {
	guardWindow := options.GuardWindow
	if guardWindow < DefaultGuardWindow {
		guardWindow = DefaultGuardWindow
	}
	maxHeld := options.MaxHeld
	if maxHeld <= 0 {
		maxHeld = DefaultMaxHeld
	}
	return &Valve{guardWindow: guardWindow, maxHeld: maxHeld}
}

// Active reports whether a hold is open.
func (valve *Valve) Active() bool {
	return valve.active
}

// Held returns the number of withheld bytes.
func (valve *Valve) Held() int {
	return len(valve.held)
}

// Filter accepts approved content and returns the part that may be shown now.
func (valve *Valve) Filter(text string) Result {
	var result Result
	if valve.finished || text == "" {
		return result
	}
	valve.held += text
	valve.process(&result, false)
	return result
}

// Boundary releases the guard window when no hold is open. It is called when the content
// stream is interrupted, e.g. by a thinking segment.
func (valve *Valve) Boundary() Result {
	var result Result
	if valve.finished || valve.active {
		return result
	}
	valve.process(&result, true)
	if !valve.active {
		valve.release(&result, valve.held)
		valve.held = ""
	}
	return result
}

// Finish resolves any open hold and releases the guard window. Later calls return nothing.
func (valve *Valve) Finish() Result {
	var result Result
	if valve.finished {
		return result
	}
	valve.process(&result, true)
	if valve.active {
		valve.resolve(&result, valve.held)
	} else {
		valve.release(&result, valve.held)
	}
	valve.held = ""
	valve.finished = true
	return result
}

func (valve *Valve) process(result *Result, atEnd bool) {
	for len(valve.held) > 0 {
		if !valve.active {
			start, kind, found := valve.findTrigger()
			if !found {
				if atEnd || len(valve.held) <= valve.guardWindow {
					return
				}
				cut := textscan.RuneBoundary(valve.held, len(valve.held)-valve.guardWindow)
				valve.release(result, valve.held[:cut])
				valve.held = valve.held[cut:]
				return
			}
			valve.release(result, valve.held[:start])
			valve.held = valve.held[start:]
			valve.open(kind)
			result.Opened++
		}

		end, complete := valve.completion(atEnd)
		if !complete {
			if len(valve.held) > valve.maxHeld {
				valve.resolve(result, valve.held)
				valve.held = ""
			}
			return
		}
		block := valve.held[:end]
		valve.held = valve.held[end:]
		valve.resolve(result, block)
	}
}

func (valve *Valve) open(kind TriggerKind) {
	valve.active = true
	valve.trigger = kind
	valve.scanned = 0
	valve.tracker = textscan.DepthTracker{}
}

func (valve *Valve) resolve(result *Result, block string) {
	valve.active = false
	if block != "" {
		valve.previous = block[len(block)-1]
		valve.hasPrevious = true
	}
	result.Closed++
	if call, ok := parser.Decode(block); ok {
		result.Calls = append(result.Calls, call)
		return
	}
	result.Gaps = append(result.Gaps, Gap{Trigger: valve.trigger, Text: block})
}

func (valve *Valve) release(result *Result, text string) {
	if text == "" {
		return
	}
	result.Visible += text
	valve.previous = text[len(text)-1]
	valve.hasPrevious = true
}

// completion reports where the open hold ends. Tag triggers end at their closing tag.
// Otherwise the hold ends when brace nesting returns to zero, or, before any brace, at a
// newline or semicolon that is not followed by an opening brace.
func (valve *Valve) completion(atEnd bool) (int, bool) {
	switch valve.trigger {
	case TriggerUseTool:
		return closingTag(valve.held, useToolCloseTag)
	case TriggerToolCall:
		return closingTag(valve.held, toolCallClose)
	}
	for index := valve.scanned; index < len(valve.held); index++ {
		character := valve.held[index]
		if valve.tracker.Opened || character == '{' {
			if valve.tracker.Step(character) {
				valve.scanned = index + 1
				return index + 1, true
			}
			continue
		}
		if character != '\n' && character != ';' {
			continue
		}
		next := textscan.SkipSpace(valve.held, index+1)
		if next >= len(valve.held) && !atEnd {
			valve.scanned = index
			return 0, false
		}
		if next < len(valve.held) && valve.held[next] == '{' {
			continue
		}
		if character == ';' {
			return index + 1, true
		}
		return index, true
	}
	valve.scanned = len(valve.held)
	return 0, false
}

func closingTag(held, closeTag string) (int, bool) {
	closeIndex := textscan.IndexFold(held, closeTag, 0)
	if closeIndex < 0 {
		return 0, false
	}
	return closeIndex + len(closeTag), true
}

// findTrigger returns the earliest trigger position in the inactive buffer.
func (valve *Valve) findTrigger() (int, TriggerKind, bool) {
	held := valve.held
	for index := 0; index < len(held); index++ {
		switch textscan.LowerASCII(held[index]) {
		case '<':
			switch {
			case matchChannel(held, index):
				return index, TriggerChannel, true
			case textscan.HasPrefixFold(held, index, useToolOpenTag):
				return index, TriggerUseTool, true
			case textscan.HasPrefixFold(held, index, toolCallOpenTag):
				return index, TriggerToolCall, true
			}
		case 'c':
			if !textscan.IsWordByte(valve.before(index)) && matchCommentary(held, index) {
				return index, TriggerCommentary, true
			}
		case 't':
			if textscan.IsSpace(valve.before(index)) && matchAssignment(held, index) {
				return index, TriggerAssignment, true
			}
		case '{':
			if _, ok := parser.MatchObjectTrigger(held, index); ok {
				return index, TriggerObject, true
			}
		}
	}
	return 0, "", false
}

// before returns the byte preceding held[index]. The start of the stream counts as a space.
func (valve *Valve) before(index int) byte {
	if index > 0 {
		return valve.held[index-1]
	}
	if valve.hasPrevious {
		return valve.previous
	}
	return ' '
}

func matchChannel(text string, index int) bool {
	if !textscan.HasPrefixFold(text, index, channelMarker) {
		return false
	}
	cursor := textscan.SkipSpace(text, index+len(channelMarker))
	return matchCommentary(text, cursor)
}

func matchCommentary(text string, index int) bool {
	if !textscan.HasPrefixFold(text, index, commentaryWord) {
		return false
	}
	cursor := index + len(commentaryWord)
	if cursor >= len(text) || !textscan.IsSpace(text[cursor]) {
		return false
	}
	cursor = textscan.SkipSpace(text, cursor)
	if !textscan.HasPrefixFold(text, cursor, assignmentWord) {
		return false
	}
	cursor = textscan.SkipSpace(text, cursor+len(assignmentWord))
	return cursor < len(text) && text[cursor] == '='
}

func matchAssignment(text string, index int) bool {
	if !textscan.HasPrefixFold(text, index, assignmentWord) {
		return false
	}
	cursor := textscan.SkipSpace(text, index+len(assignmentWord))
	if cursor >= len(text) || text[cursor] != '=' {
		return false
	}
	cursor = textscan.SkipSpace(text, cursor+1)
	return cursor < len(text) && textscan.IsNameByte(text[cursor])
}
