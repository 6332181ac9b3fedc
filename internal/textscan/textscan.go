// Package textscan holds byte-level scanning helpers shared by the reply parser and the
// suppression valve. Matching is ASCII case-insensitive; indices are byte offsets.
package textscan

import "unicode/utf8"

// LowerASCII folds an ASCII upper-case letter to lower case.
func LowerASCII(value byte) byte {
	if value >= 'A' && value <= 'Z' {
		return value + ('a' - 'A')
	}
	return value
}

// IsSpace reports ASCII whitespace.
func IsSpace(value byte) bool {
	switch value {
	case ' ', '\t', '\n', '\r', '\f', '\v':
		return true
	default:
		return false
	}
}

// IsNameByte reports bytes allowed in server and tool identifiers.
func IsNameByte(value byte) bool {
	switch {
	case value >= 'a' && value <= 'z', value >= 'A' && value <= 'Z', value >= '0' && value <= '9':
		return true
	case value == '_', value == '.', value == '-':
		return true
	default:
		return false
	}
}

// IsWordByte reports ASCII letters, digits and underscore.
func IsWordByte(value byte) bool {
	return IsNameByte(value) && value != '.' && value != '-'
}

// SkipSpace returns the first index at or after index that is not whitespace.
func SkipSpace(text string, index int) int {
	for index < len(text) && IsSpace(text[index]) {
		index++
	}
	return index
}

// HasPrefixFold reports whether text[index:] starts with prefix.
func HasPrefixFold(text string, index int, prefix string) bool {
	if index < 0 || len(text)-index < len(prefix) {
		return false
	}
	for offset := 0; offset < len(prefix); offset++ {
		if LowerASCII(text[index+offset]) != LowerASCII(prefix[offset]) {
			return false
		}
	}
	return true
}

// IndexFold returns the first index at or after from where needle occurs, or -1.
func IndexFold(text, needle string, from int) int {
	if from < 0 {
		from = 0
	}
	if len(needle) == 0 {
		return from
	}
	first := LowerASCII(needle[0])
	for index := from; index+len(needle) <= len(text); index++ {
		if LowerASCII(text[index]) != first {
			continue
		}
		if HasPrefixFold(text, index, needle) {
			return index
		}
	}
	return -1
}

// RuneBoundary moves cut backwards until it does not split a UTF-8 sequence.
func RuneBoundary(text string, cut int) int {
	if cut >= len(text) {
		return len(text)
	}
	if cut < 0 {
		return 0
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

// PartialSuffix returns the length of the longest proper suffix of text that is a prefix
// of marker.
func PartialSuffix(text, marker string) int {
	longest := len(marker) - 1
	if longest > len(text) {
		longest = len(text)
	}
	for length := longest; length > 0; length-- {
		if HasPrefixFold(marker, 0, text[len(text)-length:]) {
			return length
		}
	}
	return 0
}

// ObjectEnd scans forward from an opening brace, tracking nesting with string and escape
// awareness. It returns the index just past the matching closing brace.
func ObjectEnd(text string, start int) (int, bool) {
	var tracker DepthTracker
	for index := start; index < len(text); index++ {
		if tracker.Step(text[index]) {
			return index + 1, true
		}
	}
	return 0, false
}

// DepthTracker follows brace nesting one byte at a time, ignoring braces inside strings.
type DepthTracker struct {
	Depth    int
	Opened   bool
	inString bool
	escaped  bool
}

// Step consumes one byte and reports whether nesting just returned to zero after an
// opening brace.
func (tracker *DepthTracker) Step(character byte) bool {
	if tracker.escaped {
		tracker.escaped = false
		return false
	}
	if tracker.inString {
		switch character {
		case '\\':
			tracker.escaped = true
		case '"':
			tracker.inString = false
		}
		return false
	}
	switch character {
	case '"':
		if tracker.Opened {
			tracker.inString = true
		}
	case '{':
		tracker.Depth++
		tracker.Opened = true
	case '}':
		if tracker.Depth > 0 {
			tracker.Depth--
			return tracker.Depth == 0 && tracker.Opened
		}
	}
	return false
}
