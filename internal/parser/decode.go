package parser

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/temirov/toolstream/internal/textscan"
	"github.com/tidwall/gjson"
)

const toolCallDiscriminator = "tool_call"

var (
	typeKeys      = []string{"type", "r#type"}
	serverKeys    = []string{"server", "mcp", "provider"}
	toolKeys      = []string{"tool", "tool_name", "name"}
	argumentsKeys = []string{"parameters", "args", "params", "arguments"}
)

var looseUnescaper = strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\/`, `/`, `\n`, "\n", `\t`, "\t", `\r`, "\r")

// Decode tries every supported invocation grammar against a self-contained block of text.
func Decode(text string) (ToolCall, bool) {
	if inner, ok := taggedInner(text, useToolOpenTag, useToolCloseTag); ok {
		if call, decoded := DecodeUseTool(inner); decoded {
			return call, true
		}
	}
	if inner, ok := taggedInner(text, toolCallOpenTag, toolCallCloseTag); ok {
		if call, decoded := DecodeJSON(inner); decoded {
			return call, true
		}
		if call, decoded := DecodeXML(inner); decoded {
			return call, true
		}
	}
	if textscan.IndexFold(text, xmlTypeOpenTag, 0) >= 0 {
		if call, decoded := DecodeXML(text); decoded {
			return call, true
		}
	}
	if strings.IndexByte(text, objectOpenCharacter) >= 0 {
		if call, decoded := DecodeJSON(text); decoded {
			return call, true
		}
	}
	return DecodeChannel(text)
}

// DecodeJSON decodes a structured invocation object. Malformed payloads fall back to a
// backslash repair, then to a field-by-field scan, then to lenient path lookups.
func DecodeJSON(text string) (ToolCall, bool) {
	payload := objectText(text)
	if payload == "" {
		return ToolCall{}, false
	}
	if fields, ok := strictObject(payload); ok {
		return invocationFromFields(fields)
	}
	if fields, ok := strictObject(repairBackslashes(payload)); ok {
		return invocationFromFields(fields)
	}
	if fields, ok := scanMembers(payload); ok {
		if call, decoded := invocationFromFields(fields); decoded {
			return call, true
		}
	}
	if fields, ok := lenientObject(payload); ok {
		return invocationFromFields(fields)
	}
	return ToolCall{}, false
}

// DecodeXML decodes the element form with server, tool and parameters children.
func DecodeXML(text string) (ToolCall, bool) {
	server, _ := elementText(text, "server")
	tool, _ := elementText(text, "tool")
	call := ToolCall{Server: strings.TrimSpace(server), Tool: strings.TrimSpace(tool)}
	if call.Server == "" || call.Tool == "" {
		return ToolCall{}, false
	}
	if parameters, ok := elementText(text, "parameters"); ok {
		call.Arguments = xmlArguments(parameters)
	}
	return call, true
}

// DecodeUseTool decodes the body of a use_mcp_tool block.
func DecodeUseTool(text string) (ToolCall, bool) {
	server, _ := elementText(text, "server_name")
	tool, _ := elementText(text, "tool_name")
	call := ToolCall{Server: strings.TrimSpace(server), Tool: strings.TrimSpace(tool)}
	if call.Server == "" || call.Tool == "" {
		return ToolCall{}, false
	}
	if arguments, ok := elementText(text, "arguments"); ok {
		call.Arguments = NormalizeArguments(arguments)
	}
	return call, true
}

// DecodeChannel decodes the dotted target form, e.g. `commentary to=fs.read {"path":"a"}`.
// The payload after the target is either a full invocation object or the bare arguments.
func DecodeChannel(text string) (ToolCall, bool) {
	nameStart, ok := assignmentTarget(text, 0)
	if !ok {
		return ToolCall{}, false
	}
	nameEnd := nameStart
	for nameEnd < len(text) && textscan.IsNameByte(text[nameEnd]) {
		nameEnd++
	}
	target := strings.Trim(text[nameStart:nameEnd], ".")
	call := ToolCall{Server: target}
	if separator := strings.IndexByte(target, '.'); separator >= 0 {
		call.Server = target[:separator]
		call.Tool = target[separator+1:]
	}

	if fields, found := objectFields(text[nameEnd:]); found {
		if call.Tool == "" {
			call.Tool = firstString(fields, toolKeys...)
		}
		if value, present := firstPresent(fields, argumentsKeys...); present {
			call.Arguments = NormalizeArguments(value)
		} else if firstString(fields, toolKeys...) == "" {
			call.Arguments = fields
		}
	}
	if call.Server == "" || call.Tool == "" {
		return ToolCall{}, false
	}
	return call, true
}

// NormalizeArguments accepts a structured map or a string holding a structured payload,
// possibly fenced. Anything else, including undecodable strings, yields nil.
func NormalizeArguments(value any) map[string]any {
	switch typed := value.(type) {
	case nil:
		return nil
	case map[string]any:
		return typed
	case json.RawMessage:
		return NormalizeArguments(string(typed))
	case []byte:
		return NormalizeArguments(string(typed))
	case string:
		fields, _ := objectFields(stripFence(typed))
		return fields
	default:
		return nil
	}
}

func invocationFromFields(fields map[string]any) (ToolCall, bool) {
	discriminator := firstString(fields, typeKeys...)
	_, hasTool := fields["tool"]
	_, hasToolName := fields["tool_name"]
	if !strings.EqualFold(discriminator, toolCallDiscriminator) && !hasTool && !hasToolName {
		return ToolCall{}, false
	}
	call := ToolCall{
		Server: firstString(fields, serverKeys...),
		Tool:   firstString(fields, toolKeys...),
	}
	if call.Server == "" || call.Tool == "" {
		return ToolCall{}, false
	}
	if value, present := firstPresent(fields, argumentsKeys...); present {
		call.Arguments = NormalizeArguments(value)
	}
	return call, true
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := fields[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func firstPresent(fields map[string]any, keys ...string) (any, bool) {
	for _, key := range keys {
		if value, ok := fields[key]; ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

// objectFields extracts the first object in text and decodes its members through the
// same fallback chain as DecodeJSON.
func objectFields(text string) (map[string]any, bool) {
	payload := objectText(text)
	if payload == "" {
		return nil, false
	}
	if fields, ok := strictObject(payload); ok {
		return fields, true
	}
	if fields, ok := strictObject(repairBackslashes(payload)); ok {
		return fields, true
	}
	if fields, ok := scanMembers(payload); ok {
		return fields, true
	}
	return lenientObject(payload)
}

// objectText returns the first brace-delimited object in text. An unbalanced object is cut
// at the last closing brace.
func objectText(text string) string {
	start := strings.IndexByte(text, objectOpenCharacter)
	if start < 0 {
		return ""
	}
	if end, ok := textscan.ObjectEnd(text, start); ok {
		return text[start:end]
	}
	if last := strings.LastIndexByte(text, '}'); last > start {
		return text[start : last+1]
	}
	return text[start:]
}

func strictObject(payload string) (map[string]any, bool) {
	decoder := json.NewDecoder(strings.NewReader(payload))
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func lenientObject(payload string) (map[string]any, bool) {
	result := gjson.Parse(payload)
	if !result.IsObject() {
		return nil, false
	}
	fields := map[string]any{}
	result.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = finiteValue(value)
		return true
	})
	return fields, len(fields) > 0
}

// finiteValue converts a gjson result like Result.Value, except that numbers outside the
// float64 range keep their literal text.
func finiteValue(result gjson.Result) any {
	switch {
	case result.IsObject():
		fields := map[string]any{}
		result.ForEach(func(key, value gjson.Result) bool {
			fields[key.String()] = finiteValue(value)
			return true
		})
		return fields
	case result.IsArray():
		elements := []any{}
		result.ForEach(func(_, value gjson.Result) bool {
			elements = append(elements, finiteValue(value))
			return true
		})
		return elements
	case result.Type == gjson.Number && (math.IsInf(result.Num, 0) || math.IsNaN(result.Num)):
		return result.Raw
	default:
		return result.Value()
	}
}

// repairBackslashes doubles backslashes inside string literals that do not start a valid
// escape sequence, e.g. Windows paths.
func repairBackslashes(payload string) string {
	var builder bytes.Buffer
	builder.Grow(len(payload) + 8)
	inString := false
	for index := 0; index < len(payload); index++ {
		character := payload[index]
		if !inString {
			if character == '"' {
				inString = true
			}
			builder.WriteByte(character)
			continue
		}
		switch character {
		case '"':
			inString = false
			builder.WriteByte(character)
		case '\\':
			if index+1 < len(payload) && validEscape(payload, index+1) {
				builder.WriteByte(character)
				builder.WriteByte(payload[index+1])
				index++
				continue
			}
			builder.WriteString(`\\`)
		default:
			builder.WriteByte(character)
		}
	}
	return builder.String()
}

func validEscape(payload string, index int) bool {
	switch payload[index] {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't':
		return true
	case 'u':
		if index+4 >= len(payload) {
			return false
		}
		for _, digit := range payload[index+1 : index+5] {
			if !strings.ContainsRune("0123456789abcdefABCDEF", digit) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// scanMembers reads the top-level members of an object one by one. String values may
// contain unescaped quotes: a string ends at a quote followed by a separator.
func scanMembers(payload string) (map[string]any, bool) {
	cursor := textscan.SkipSpace(payload, 0)
	if cursor >= len(payload) || payload[cursor] != objectOpenCharacter {
		return nil, false
	}
	cursor++
	members := map[string]any{}
	for {
		cursor = textscan.SkipSpace(payload, cursor)
		for cursor < len(payload) && payload[cursor] == ',' {
			cursor = textscan.SkipSpace(payload, cursor+1)
		}
		if cursor >= len(payload) || payload[cursor] != '"' {
			break
		}
		keyLength := strings.IndexByte(payload[cursor+1:], '"')
		if keyLength < 0 {
			break
		}
		key := payload[cursor+1 : cursor+1+keyLength]
		cursor = textscan.SkipSpace(payload, cursor+keyLength+2)
		if cursor >= len(payload) || payload[cursor] != ':' {
			break
		}
		value, next := scanValue(payload, textscan.SkipSpace(payload, cursor+1))
		members[key] = value
		cursor = next
	}
	return members, len(members) > 0
}

func scanValue(payload string, cursor int) (any, int) {
	if cursor >= len(payload) {
		return nil, cursor
	}
	switch payload[cursor] {
	case '"':
		end := tolerantStringEnd(payload, cursor+1)
		value := looseUnescaper.Replace(payload[cursor+1 : end])
		if end < len(payload) {
			end++
		}
		return value, end
	case '{':
		end, ok := textscan.ObjectEnd(payload, cursor)
		if !ok {
			end = len(payload)
		}
		nested, _ := objectFields(payload[cursor:end])
		return nested, end
	case '[':
		end := arrayEnd(payload, cursor)
		raw := payload[cursor:end]
		if gjson.Valid(raw) {
			return finiteValue(gjson.Parse(raw)), end
		}
		return raw, end
	default:
		end := cursor
		for end < len(payload) && payload[end] != ',' && payload[end] != '}' {
			end++
		}
		raw := strings.TrimSpace(payload[cursor:end])
		if gjson.Valid(raw) {
			return finiteValue(gjson.Parse(raw)), end
		}
		return raw, end
	}
}

func tolerantStringEnd(payload string, from int) int {
	for index := from; index < len(payload); index++ {
		switch payload[index] {
		case '\\':
			index++
		case '"':
			next := textscan.SkipSpace(payload, index+1)
			if next >= len(payload) {
				return index
			}
			switch payload[next] {
			case ',', '}', ']', ':':
				return index
			}
		}
	}
	return len(payload)
}

func arrayEnd(payload string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for index := start; index < len(payload); index++ {
		character := payload[index]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			if character == '\\' {
				escaped = true
			} else if character == '"' {
				inString = false
			}
			continue
		}
		switch character {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return index + 1
			}
		}
	}
	return len(payload)
}

// elementText returns the text between <name ...> and </name>. Attributes on the opening
// tag are ignored.
func elementText(text, name string) (string, bool) {
	openPrefix := "<" + name
	for from := 0; ; {
		openIndex := textscan.IndexFold(text, openPrefix, from)
		if openIndex < 0 {
			return "", false
		}
		afterName := openIndex + len(openPrefix)
		if afterName >= len(text) || (text[afterName] != '>' && !textscan.IsSpace(text[afterName])) {
			from = openIndex + 1
			continue
		}
		tagEnd := strings.IndexByte(text[afterName:], '>')
		if tagEnd < 0 {
			return "", false
		}
		contentStart := afterName + tagEnd + 1
		closeIndex := textscan.IndexFold(text, "</"+name+">", contentStart)
		if closeIndex < 0 {
			return "", false
		}
		return text[contentStart:closeIndex], true
	}
}

// xmlArguments reads <key>value</key> children, or a structured payload when the
// parameters element wraps one.
func xmlArguments(body string) map[string]any {
	trimmed := strings.TrimSpace(stripFence(body))
	if strings.HasPrefix(trimmed, "{") {
		return NormalizeArguments(trimmed)
	}
	arguments := map[string]any{}
	for cursor := 0; cursor < len(body); {
		openIndex := strings.IndexByte(body[cursor:], '<')
		if openIndex < 0 {
			break
		}
		nameStart := cursor + openIndex + 1
		nameEnd := nameStart
		for nameEnd < len(body) && textscan.IsWordByte(body[nameEnd]) {
			nameEnd++
		}
		if nameEnd == nameStart || nameEnd >= len(body) || body[nameEnd] != '>' {
			cursor = nameStart
			continue
		}
		name := body[nameStart:nameEnd]
		closeTag := "</" + name + ">"
		closeIndex := textscan.IndexFold(body, closeTag, nameEnd+1)
		if closeIndex < 0 {
			cursor = nameEnd + 1
			continue
		}
		arguments[name] = strings.TrimSpace(body[nameEnd+1 : closeIndex])
		cursor = closeIndex + len(closeTag)
	}
	if len(arguments) == 0 {
		return nil
	}
	return arguments
}

// stripFence removes a surrounding fenced block and its language tag.
func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, fenceDelimiter) {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, fenceDelimiter)
	languageEnd := 0
	for languageEnd < len(trimmed) && textscan.IsNameByte(trimmed[languageEnd]) {
		languageEnd++
	}
	trimmed = trimmed[languageEnd:]
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), fenceDelimiter)
	return strings.TrimSpace(trimmed)
}

// taggedInner returns the text after openTag, cut at closeTag when present.
func taggedInner(text, openTag, closeTag string) (string, bool) {
	openIndex := textscan.IndexFold(text, openTag, 0)
	if openIndex < 0 {
		return "", false
	}
	inner := text[openIndex+len(openTag):]
	if closeIndex := textscan.IndexFold(inner, closeTag, 0); closeIndex >= 0 {
		inner = inner[:closeIndex]
	}
	return inner, true
}

// assignmentTarget finds a `to=` assignment at a word boundary and returns the index of
// the target name that follows it.
func assignmentTarget(text string, from int) (int, bool) {
	for {
		index := textscan.IndexFold(text, "to", from)
		if index < 0 {
			return 0, false
		}
		from = index + 1
		if index > 0 && textscan.IsNameByte(text[index-1]) {
			continue
		}
		cursor := textscan.SkipSpace(text, index+2)
		if cursor >= len(text) || text[cursor] != '=' {
			continue
		}
		cursor = textscan.SkipSpace(text, cursor+1)
		if cursor < len(text) && textscan.IsNameByte(text[cursor]) {
			return cursor, true
		}
	}
}
