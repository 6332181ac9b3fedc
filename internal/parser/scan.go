package parser

import "github.com/temirov/toolstream/internal/textscan"

var invocationKeys = []string{"server", "mcp", "provider", "tool", "tool_name"}

// matchDiscriminator matches `"type" : "tool_call"` (or the r#type spelling) at index.
func matchDiscriminator(text string, index int) (int, bool) {
	if index >= len(text) || text[index] != '"' {
		return 0, false
	}
	cursor := index + 1
	switch {
	case textscan.HasPrefixFold(text, cursor, `type"`):
		cursor += len(`type"`)
	case textscan.HasPrefixFold(text, cursor, `r#type"`):
		cursor += len(`r#type"`)
	default:
		return 0, false
	}
	cursor = textscan.SkipSpace(text, cursor)
	if cursor >= len(text) || text[cursor] != ':' {
		return 0, false
	}
	cursor = textscan.SkipSpace(text, cursor+1)
	if !textscan.HasPrefixFold(text, cursor, `"tool_call"`) {
		return 0, false
	}
	return cursor + len(`"tool_call"`), true
}

// matchInvocationKey matches an opening brace whose first member names an invocation field.
func matchInvocationKey(text string, index int) (int, bool) {
	if index >= len(text) || text[index] != '{' {
		return 0, false
	}
	cursor := textscan.SkipSpace(text, index+1)
	if end, ok := matchDiscriminator(text, cursor); ok {
		return end, true
	}
	if cursor >= len(text) || text[cursor] != '"' {
		return 0, false
	}
	for _, key := range invocationKeys {
		quoted := `"` + key + `"`
		if !textscan.HasPrefixFold(text, cursor, quoted) {
			continue
		}
		afterKey := textscan.SkipSpace(text, cursor+len(quoted))
		if afterKey < len(text) && text[afterKey] == ':' {
			return afterKey + 1, true
		}
	}
	return 0, false
}

// matchXMLDiscriminator matches `<type>tool_call</type>` with optional inner whitespace.
func matchXMLDiscriminator(text string, index int) (int, bool) {
	if !textscan.HasPrefixFold(text, index, "<type>") {
		return 0, false
	}
	cursor := textscan.SkipSpace(text, index+len("<type>"))
	if !textscan.HasPrefixFold(text, cursor, "tool_call") {
		return 0, false
	}
	cursor = textscan.SkipSpace(text, cursor+len("tool_call"))
	if !textscan.HasPrefixFold(text, cursor, "</type>") {
		return 0, false
	}
	return cursor + len("</type>"), true
}

// MatchObjectTrigger reports whether text[index] opens an invocation object, judged by its
// first member. It returns the index just past the recognized prefix.
func MatchObjectTrigger(text string, index int) (int, bool) {
	return matchInvocationKey(text, index)
}
