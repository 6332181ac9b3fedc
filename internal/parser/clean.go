package parser

import (
	"regexp"
	"strings"

	"github.com/temirov/toolstream/internal/textscan"
	"github.com/temirov/toolstream/internal/types"
)

var excessBlankLines = regexp.MustCompile(`\n{3,}`)

// ExtractInvocation searches a complete reply for the first decodable invocation in any
// grammar. Unlike the streaming path it is not bounded by a lookback window.
func ExtractInvocation(text string) (ToolCall, bool) {
	for _, span := range instructionSpans(text) {
		if span.unterminated {
			continue
		}
		if call, ok := Decode(text[span.start:span.end]); ok {
			return call, true
		}
	}
	return DecodeChannel(text)
}

// CleanInstructions removes complete and trailing incomplete invocation syntax and card
// markers from stored message text.
func CleanInstructions(text string) string {
	if text == "" {
		return ""
	}
	var builder strings.Builder
	cursor := 0
	for _, span := range instructionSpans(text) {
		if span.start < cursor {
			continue
		}
		builder.WriteString(text[cursor:span.start])
		cursor = span.end
	}
	builder.WriteString(text[cursor:])
	cleaned := excessBlankLines.ReplaceAllString(builder.String(), "\n\n")
	return strings.TrimSpace(cleaned)
}

type instructionSpan struct {
	start        int
	end          int
	unterminated bool
}

// instructionSpans lists instruction regions in order of appearance. An opening tag with
// no closing tag extends to the end of text.
func instructionSpans(text string) []instructionSpan {
	var spans []instructionSpan
	for cursor := 0; cursor < len(text); {
		span, found := nextInstructionSpan(text, cursor)
		if !found {
			break
		}
		spans = append(spans, span)
		cursor = span.end
	}
	return spans
}

func nextInstructionSpan(text string, from int) (instructionSpan, bool) {
	var best instructionSpan
	hasBest := false
	consider := func(next instructionSpan) {
		if !hasBest || next.start < best.start {
			best = next
			hasBest = true
		}
	}
	for _, tags := range [][2]string{{useToolOpenTag, useToolCloseTag}, {toolCallOpenTag, toolCallCloseTag}} {
		openIndex := textscan.IndexFold(text, tags[0], from)
		if openIndex < 0 {
			continue
		}
		closeIndex := textscan.IndexFold(text, tags[1], openIndex+len(tags[0]))
		if closeIndex < 0 {
			consider(instructionSpan{start: openIndex, end: len(text), unterminated: true})
			continue
		}
		consider(instructionSpan{start: openIndex, end: closeIndex + len(tags[1])})
	}
	for typeIndex := textscan.IndexFold(text, xmlTypeOpenTag, from); typeIndex >= 0; typeIndex = textscan.IndexFold(text, xmlTypeOpenTag, typeIndex+1) {
		discriminatorEnd, ok := matchXMLDiscriminator(text, typeIndex)
		if !ok {
			continue
		}
		if closeIndex := textscan.IndexFold(text, parametersCloseTag, discriminatorEnd); closeIndex >= 0 {
			consider(instructionSpan{start: typeIndex, end: closeIndex + len(parametersCloseTag)})
		}
		break
	}
	if span, ok := nextObjectSpan(text, from); ok {
		consider(span)
	}
	return best, hasBest
}

func nextObjectSpan(text string, from int) (instructionSpan, bool) {
	for index := from; index < len(text); index++ {
		if text[index] != objectOpenCharacter {
			continue
		}
		end, ok := textscan.ObjectEnd(text, index)
		if !ok {
			continue
		}
		object := text[index:end]
		if isCardMarker(object) {
			return instructionSpan{start: index, end: end}, true
		}
		if _, keyed := matchInvocationKey(text, index); keyed {
			if _, decoded := DecodeJSON(object); decoded {
				return instructionSpan{start: index, end: end}, true
			}
		}
		if containsDiscriminator(object) {
			return instructionSpan{start: index, end: end}, true
		}
	}
	return instructionSpan{}, false
}

func isCardMarker(object string) bool {
	cursor := textscan.SkipSpace(object, 1)
	return textscan.HasPrefixFold(object, cursor, `"`+types.CardMarkerKey+`"`)
}

func containsDiscriminator(object string) bool {
	for index := strings.IndexByte(object, quoteCharacter); index >= 0; {
		if _, ok := matchDiscriminator(object, index); ok {
			return true
		}
		next := strings.IndexByte(object[index+1:], quoteCharacter)
		if next < 0 {
			return false
		}
		index += next + 1
	}
	return false
}
