package parser

import (
	"strings"

	"github.com/temirov/toolstream/internal/textscan"
)

// State identifies the tokenizer mode.
type State int

const (
	// StateBody is the initial mode: ordinary prose.
	StateBody State = iota
	// StateThinking is active between thinking markers.
	StateThinking
	// StateFence is active inside a fenced code block.
	StateFence
)

// DefaultSafeTail is the number of trailing bytes kept buffered while no marker is in sight.
// It is large enough to re-recognize every supported opening marker split across chunks.
const DefaultSafeTail = 32

// DefaultMaxHeld bounds a bare object: one that does not close within this many bytes of
// its opening brace is treated as prose.
const DefaultMaxHeld = 16384

const (
	thinkOpenMarker     = "<think>"
	thinkCloseMarker    = "</think>"
	fenceDelimiter      = "```"
	toolCallOpenTag     = "<tool_call>"
	toolCallCloseTag    = "</tool_call>"
	useToolOpenTag      = "<use_mcp_tool>"
	useToolCloseTag     = "</use_mcp_tool>"
	parametersCloseTag  = "</parameters>"
	xmlTypeOpenTag      = "<type>"
	objectOpenCharacter = '{'
	quoteCharacter      = '"'
)

// String returns the lower-case state name.
func (state State) String() string {
	switch state {
	case StateThinking:
		return "thinking"
	case StateFence:
		return "fence"
	default:
		return "body"
	}
}

// Options configures a Tokenizer.
type Options struct {
	SafeTail int
	MaxHeld  int
}

// Tokenizer is an incremental state machine over a streamed reply.
// It is owned by a single reply and is not safe for concurrent use.
type Tokenizer struct {
	buffer      string
	state       State
	safeTail    int
	maxHeld     int
	toolEmitted bool
	flushed     bool
}

// NewTokenizer returns a Tokenizer in StateBody.
func NewTokenizer(options Options) *Tokenizer {
	safeTail := options.SafeTail
	if safeTail < DefaultSafeTail {
		safeTail = DefaultSafeTail
	}
	maxHeld := options.MaxHeld
	if maxHeld <= 0 {
		maxHeld = DefaultMaxHeld
	}
	return &Tokenizer{safeTail: safeTail, maxHeld: maxHeld}
}

// State reports the current mode.
func (tokenizer *Tokenizer) State() State {
	return tokenizer.state
}

// ToolEmitted reports whether a ToolCall has already been produced for this reply.
func (tokenizer *Tokenizer) ToolEmitted() bool {
	return tokenizer.toolEmitted
}

// Push appends chunk and returns every event that can be decided so far.
func (tokenizer *Tokenizer) Push(chunk string) (events []Event) {
	if tokenizer.flushed || chunk == "" {
		return nil
	}
	tokenizer.buffer += chunk
	collector := &eventCollector{}
	defer func() {
		if recovered := recover(); recovered != nil {
			events = tokenizer.degrade(collector)
		}
	}()
	tokenizer.scan(collector)
	return collector.events
}

// Flush drains the buffer at end of stream. An open thinking segment is closed implicitly.
// Subsequent calls to Flush or Push return nothing.
func (tokenizer *Tokenizer) Flush() (events []Event) {
	if tokenizer.flushed {
		return nil
	}
	tokenizer.flushed = true
	collector := &eventCollector{}
	defer func() {
		if recovered := recover(); recovered != nil {
			events = tokenizer.degrade(collector)
		}
	}()
	remainder := tokenizer.buffer
	tokenizer.buffer = ""
	if tokenizer.state == StateThinking {
		collector.thinking(remainder)
		collector.add(ThinkingEnd{})
	} else {
		collector.content(remainder)
	}
	tokenizer.state = StateBody
	return collector.events
}

func (tokenizer *Tokenizer) degrade(collector *eventCollector) []Event {
	remainder := tokenizer.buffer
	tokenizer.buffer = ""
	if tokenizer.state == StateThinking {
		collector.thinking(remainder)
	} else {
		collector.content(remainder)
	}
	return collector.events
}

func (tokenizer *Tokenizer) scan(collector *eventCollector) {
	for len(tokenizer.buffer) > 0 {
		var progressed bool
		if tokenizer.state == StateThinking {
			progressed = tokenizer.scanThinking(collector)
		} else {
			progressed = tokenizer.scanBody(collector)
		}
		if !progressed {
			return
		}
	}
}

func (tokenizer *Tokenizer) scanThinking(collector *eventCollector) bool {
	closeIndex := textscan.IndexFold(tokenizer.buffer, thinkCloseMarker, 0)
	if closeIndex < 0 {
		held := textscan.PartialSuffix(tokenizer.buffer, thinkCloseMarker)
		cut := textscan.RuneBoundary(tokenizer.buffer, len(tokenizer.buffer)-held)
		collector.thinking(tokenizer.buffer[:cut])
		tokenizer.buffer = tokenizer.buffer[cut:]
		return false
	}
	collector.thinking(tokenizer.buffer[:closeIndex])
	collector.add(ThinkingEnd{})
	tokenizer.buffer = tokenizer.buffer[closeIndex+len(thinkCloseMarker):]
	tokenizer.state = StateBody
	return true
}

func (tokenizer *Tokenizer) scanBody(collector *eventCollector) bool {
	buffer := tokenizer.buffer
	thinkIndex := -1
	if tokenizer.state == StateBody {
		thinkIndex = textscan.IndexFold(buffer, thinkOpenMarker, 0)
	}
	fenceIndex := strings.Index(buffer, fenceDelimiter)
	found, hasCandidate := tokenizer.findCandidate(buffer)

	markerIndex := earliest(thinkIndex, fenceIndex)
	if hasCandidate && (markerIndex < 0 || found.start < markerIndex) {
		return tokenizer.consumeCandidate(collector, found)
	}

	switch {
	case markerIndex >= 0 && markerIndex == thinkIndex:
		collector.content(buffer[:thinkIndex])
		collector.add(ThinkingStart{})
		tokenizer.buffer = buffer[thinkIndex+len(thinkOpenMarker):]
		tokenizer.state = StateThinking
		return true
	case markerIndex >= 0:
		collector.content(buffer[:fenceIndex+len(fenceDelimiter)])
		tokenizer.buffer = buffer[fenceIndex+len(fenceDelimiter):]
		if tokenizer.state == StateFence {
			tokenizer.state = StateBody
		} else {
			tokenizer.state = StateFence
		}
		return true
	}

	if len(buffer) <= tokenizer.safeTail {
		return false
	}
	cut := textscan.RuneBoundary(buffer, len(buffer)-tokenizer.safeTail)
	collector.content(buffer[:cut])
	tokenizer.buffer = buffer[cut:]
	return false
}

func (tokenizer *Tokenizer) consumeCandidate(collector *eventCollector, found candidate) bool {
	buffer := tokenizer.buffer
	collector.content(buffer[:found.start])
	if !found.complete {
		tokenizer.buffer = buffer[found.start:]
		return false
	}
	span := buffer[found.start:found.end]
	call, decoded := decodeCandidate(found.grammar, span)
	if !decoded && found.grammar == grammarBareObject {
		// an invocation may still be nested inside
		collector.content(buffer[found.start : found.start+1])
		tokenizer.buffer = buffer[found.start+1:]
		return true
	}
	tokenizer.buffer = buffer[found.end:]
	if !decoded {
		collector.content(span)
		return true
	}
	if !tokenizer.toolEmitted {
		tokenizer.toolEmitted = true
		collector.add(call)
	}
	return true
}

type grammar int

const (
	grammarToolCallTag grammar = iota
	grammarUseToolTag
	grammarBareXML
	grammarBareObject
)

type candidate struct {
	grammar  grammar
	start    int
	end      int
	complete bool
}

// findCandidate locates the earliest invocation start in buffer. Ties go to the grammar
// listed first.
func (tokenizer *Tokenizer) findCandidate(buffer string) (candidate, bool) {
	var best candidate
	hasBest := false
	consider := func(next candidate, ok bool) {
		if !ok {
			return
		}
		if !hasBest || next.start < best.start || (next.start == best.start && next.grammar < best.grammar) {
			best = next
			hasBest = true
		}
	}
	consider(findTagged(buffer, grammarToolCallTag, toolCallOpenTag, toolCallCloseTag))
	consider(findTagged(buffer, grammarUseToolTag, useToolOpenTag, useToolCloseTag))
	consider(findBareXML(buffer))
	consider(tokenizer.findBareObject(buffer))
	return best, hasBest
}

func findTagged(buffer string, kind grammar, openTag, closeTag string) (candidate, bool) {
	openIndex := textscan.IndexFold(buffer, openTag, 0)
	if openIndex < 0 {
		return candidate{}, false
	}
	found := candidate{grammar: kind, start: openIndex}
	closeIndex := textscan.IndexFold(buffer, closeTag, openIndex+len(openTag))
	if closeIndex >= 0 {
		found.end = closeIndex + len(closeTag)
		found.complete = true
	}
	return found, true
}

func findBareXML(buffer string) (candidate, bool) {
	for from := 0; ; {
		typeIndex := textscan.IndexFold(buffer, xmlTypeOpenTag, from)
		if typeIndex < 0 {
			return candidate{}, false
		}
		discriminatorEnd, ok := matchXMLDiscriminator(buffer, typeIndex)
		if !ok {
			from = typeIndex + 1
			continue
		}
		found := candidate{grammar: grammarBareXML, start: typeIndex}
		closeIndex := textscan.IndexFold(buffer, parametersCloseTag, discriminatorEnd)
		if closeIndex >= 0 {
			found.end = closeIndex + len(parametersCloseTag)
			found.complete = true
		}
		return found, true
	}
}

// findBareObject finds the earliest brace that opens an object with a quoted first key, or
// a trailing brace whose next byte is not known yet. The object is held until it closes and
// then decoded as a whole, so the discriminator may sit anywhere inside it. An object that
// does not close within maxHeld bytes is prose.
func (tokenizer *Tokenizer) findBareObject(buffer string) (candidate, bool) {
	for index := strings.IndexByte(buffer, objectOpenCharacter); index >= 0; {
		if opensObject(buffer, index) {
			end, closed := textscan.ObjectEnd(buffer, index)
			switch {
			case closed && end-index <= tokenizer.maxHeld:
				return candidate{grammar: grammarBareObject, start: index, end: end, complete: true}, true
			case !closed && len(buffer)-index <= tokenizer.maxHeld:
				return candidate{grammar: grammarBareObject, start: index}, true
			}
		}
		next := strings.IndexByte(buffer[index+1:], objectOpenCharacter)
		if next < 0 {
			break
		}
		index += next + 1
	}
	return candidate{}, false
}

func opensObject(buffer string, index int) bool {
	cursor := textscan.SkipSpace(buffer, index+1)
	return cursor >= len(buffer) || buffer[cursor] == quoteCharacter
}

func decodeCandidate(kind grammar, span string) (ToolCall, bool) {
	switch kind {
	case grammarToolCallTag:
		inner, _ := taggedInner(span, toolCallOpenTag, toolCallCloseTag)
		if call, ok := DecodeJSON(inner); ok {
			return call, true
		}
		return DecodeXML(inner)
	case grammarUseToolTag:
		inner, _ := taggedInner(span, useToolOpenTag, useToolCloseTag)
		return DecodeUseTool(inner)
	case grammarBareXML:
		return DecodeXML(span)
	default:
		return DecodeJSON(span)
	}
}

func earliest(first, second int) int {
	switch {
	case first < 0:
		return second
	case second < 0:
		return first
	case first < second:
		return first
	default:
		return second
	}
}

type eventCollector struct {
	events []Event
}

func (collector *eventCollector) add(event Event) {
	collector.events = append(collector.events, event)
}

func (collector *eventCollector) content(text string) {
	if text == "" {
		return
	}
	if last := len(collector.events) - 1; last >= 0 {
		if previous, ok := collector.events[last].(ContentToken); ok {
			collector.events[last] = ContentToken{Text: previous.Text + text}
			return
		}
	}
	collector.add(ContentToken{Text: text})
}

func (collector *eventCollector) thinking(text string) {
	if text == "" {
		return
	}
	if last := len(collector.events) - 1; last >= 0 {
		if previous, ok := collector.events[last].(ThinkingToken); ok {
			collector.events[last] = ThinkingToken{Text: previous.Text + text}
			return
		}
	}
	collector.add(ThinkingToken{Text: text})
}
