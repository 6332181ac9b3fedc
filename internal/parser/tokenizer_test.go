package parser_test

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/temirov/toolstream/internal/parser"
)

func feed(chunks ...string) []parser.Event {
	tokenizer := parser.NewTokenizer(parser.Options{})
	var events []parser.Event
	for _, chunk := range chunks {
		events = append(events, tokenizer.Push(chunk)...)
	}
	return append(events, tokenizer.Flush()...)
}

func splitEvery(text string, size int) []string {
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func contentOf(events []parser.Event) string {
	var builder strings.Builder
	for _, event := range events {
		if token, ok := event.(parser.ContentToken); ok {
			builder.WriteString(token.Text)
		}
	}
	return builder.String()
}

func callsOf(events []parser.Event) []parser.ToolCall {
	var calls []parser.ToolCall
	for _, event := range events {
		if call, ok := event.(parser.ToolCall); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func TestTokenizerScenarios(t *testing.T) {
	testCases := []struct {
		name     string
		chunks   []string
		expected []parser.Event
	}{
		{
			name:     "plain prose",
			chunks:   []string{"Hello ", "world"},
			expected: []parser.Event{parser.ContentToken{Text: "Hello world"}},
		},
		{
			name:   "thinking segment",
			chunks: []string{"<think>", "reasoning", "</think>done"},
			expected: []parser.Event{
				parser.ThinkingStart{},
				parser.ThinkingToken{Text: "reasoning"},
				parser.ThinkingEnd{},
				parser.ContentToken{Text: "done"},
			},
		},
		{
			name:     "invocation split inside the discriminator",
			chunks:   []string{`{"ty`, `pe":"tool_call","server":"fs","tool":"read"}`},
			expected: []parser.Event{parser.ToolCall{Server: "fs", Tool: "read"}},
		},
		{
			name:   "unterminated thinking is closed on flush",
			chunks: []string{"Intro <think>still going"},
			expected: []parser.Event{
				parser.ContentToken{Text: "Intro "},
				parser.ThinkingStart{},
				parser.ThinkingToken{Text: "still going"},
				parser.ThinkingEnd{},
			},
		},
		{
			name:     "think marker inside a fence is literal",
			chunks:   []string{"```\n<think>x</think>\n```"},
			expected: []parser.Event{parser.ContentToken{Text: "```\n<think>x</think>\n```"}},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			events := feed(testCase.chunks...)
			if !reflect.DeepEqual(events, testCase.expected) {
				t.Fatalf("unexpected events:\n got  %#v\n want %#v", events, testCase.expected)
			}
		})
	}
}

func TestTokenizerDecodesGrammars(t *testing.T) {
	testCases := []struct {
		name            string
		input           string
		expectedContent string
		expectedCall    parser.ToolCall
	}{
		{
			name:            "tool_call tag with object",
			input:           `Before <tool_call>{"type":"tool_call","server":"fs","tool":"read","parameters":{"path":"/a"}}</tool_call> after`,
			expectedContent: "Before  after",
			expectedCall:    parser.ToolCall{Server: "fs", Tool: "read", Arguments: map[string]any{"path": "/a"}},
		},
		{
			name:            "tool_call tag with element body",
			input:           "<tool_call><type>tool_call</type><server>fs</server><tool>list</tool><parameters><path>/tmp</path></parameters></tool_call>",
			expectedContent: "",
			expectedCall:    parser.ToolCall{Server: "fs", Tool: "list", Arguments: map[string]any{"path": "/tmp"}},
		},
		{
			name:            "use_mcp_tool with fenced arguments",
			input:           "Checking. <use_mcp_tool><server_name>weather</server_name><tool_name>forecast</tool_name><arguments>```json\n{\"city\":\"Paris\"}\n```</arguments></use_mcp_tool>",
			expectedContent: "Checking. ",
			expectedCall:    parser.ToolCall{Server: "weather", Tool: "forecast", Arguments: map[string]any{"city": "Paris"}},
		},
		{
			name:            "bare element body",
			input:           "Run <type>tool_call</type><server>git</server><tool>status</tool><parameters></parameters> now",
			expectedContent: "Run  now",
			expectedCall:    parser.ToolCall{Server: "git", Tool: "status"},
		},
		{
			name:            "bare object keyed by server",
			input:           `Sure. {"server":"fs","type":"tool_call","tool":"read"}`,
			expectedContent: "Sure. ",
			expectedCall:    parser.ToolCall{Server: "fs", Tool: "read"},
		},
		{
			name:            "bare object with leading arguments",
			input:           `{"args":{},"type":"tool_call","mcp":"search","tool_name":"query"} ok`,
			expectedContent: " ok",
			expectedCall:    parser.ToolCall{Server: "search", Tool: "query", Arguments: map[string]any{}},
		},
		{
			name:            "bare object with a long leading member",
			input:           `Sure. {"description":"read the project readme for the user","type":"tool_call","server":"fs","tool":"read"} ok`,
			expectedContent: "Sure.  ok",
			expectedCall:    parser.ToolCall{Server: "fs", Tool: "read"},
		},
		{
			name:            "object nested in a wrapper",
			input:           `{"request":{"type":"tool_call","server":"fs","tool":"read"}} done`,
			expectedContent: `{"request":} done`,
			expectedCall:    parser.ToolCall{Server: "fs", Tool: "read"},
		},
		{
			name:            "unescaped quotes inside a string",
			input:           `{"type":"tool_call","server":"shell","tool":"run","parameters":{"cmd":"echo "hi""}}`,
			expectedContent: "",
			expectedCall:    parser.ToolCall{Server: "shell", Tool: "run", Arguments: map[string]any{"cmd": `echo "hi"`}},
		},
		{
			name:            "stray backslashes",
			input:           `{"type":"tool_call","server":"fs","tool":"read","parameters":{"path":"C:\Users\me"}}`,
			expectedContent: "",
			expectedCall:    parser.ToolCall{Server: "fs", Tool: "read", Arguments: map[string]any{"path": `C:\Users\me`}},
		},
		{
			name:            "invocation inside a fence",
			input:           "```json\n{\"type\":\"tool_call\",\"server\":\"fs\",\"tool\":\"read\"}\n```",
			expectedContent: "```json\n\n```",
			expectedCall:    parser.ToolCall{Server: "fs", Tool: "read"},
		},
	}

	for _, testCase := range testCases {
		for _, chunkSize := range []int{1, 3, 7, len(testCase.input)} {
			events := feed(splitEvery(testCase.input, chunkSize)...)
			if content := contentOf(events); content != testCase.expectedContent {
				t.Fatalf("%s (chunk %d): content %q, want %q", testCase.name, chunkSize, content, testCase.expectedContent)
			}
			calls := callsOf(events)
			if len(calls) != 1 {
				t.Fatalf("%s (chunk %d): expected one call, got %d", testCase.name, chunkSize, len(calls))
			}
			if !reflect.DeepEqual(calls[0], testCase.expectedCall) {
				t.Fatalf("%s (chunk %d): call %#v, want %#v", testCase.name, chunkSize, calls[0], testCase.expectedCall)
			}
		}
	}
}

func TestTokenizerEmitsAtMostOneInvocation(t *testing.T) {
	first := `{"type":"tool_call","server":"fs","tool":"read"}`
	second := `<tool_call>{"type":"tool_call","server":"fs","tool":"write"}</tool_call>`
	input := "A " + first + " B " + second + " C"

	for _, chunkSize := range []int{1, 5, len(input)} {
		events := feed(splitEvery(input, chunkSize)...)
		calls := callsOf(events)
		if len(calls) != 1 || calls[0].Tool != "read" {
			t.Fatalf("chunk %d: unexpected calls %#v", chunkSize, calls)
		}
		content := contentOf(events)
		if content != "A  B  C" {
			t.Fatalf("chunk %d: unexpected content %q", chunkSize, content)
		}
	}
}

func TestTokenizerReleasesUndecodableSpans(t *testing.T) {
	input := `<tool_call>not an invocation</tool_call> tail`
	events := feed(input)
	if len(callsOf(events)) != 0 {
		t.Fatalf("expected no calls")
	}
	if content := contentOf(events); content != input {
		t.Fatalf("content %q, want %q", content, input)
	}
}

func TestTokenizerHoldsIncompleteInvocation(t *testing.T) {
	tokenizer := parser.NewTokenizer(parser.Options{})
	prose := strings.Repeat("word ", 10)
	events := tokenizer.Push(prose + `{"type":"tool_call","server":"fs","tool":"re`)
	if content := contentOf(events); content != prose {
		t.Fatalf("content %q, want %q", content, prose)
	}
	events = tokenizer.Push(`ad"}`)
	if calls := callsOf(events); len(calls) != 1 {
		t.Fatalf("expected the call once the object closed, got %#v", events)
	}
	if !tokenizer.ToolEmitted() {
		t.Fatalf("expected ToolEmitted")
	}
}

func TestTokenizerFlushIsIdempotent(t *testing.T) {
	tokenizer := parser.NewTokenizer(parser.Options{})
	tokenizer.Push("<think>partial")
	if events := tokenizer.Flush(); len(events) == 0 {
		t.Fatalf("expected events from first flush")
	}
	if events := tokenizer.Flush(); len(events) != 0 {
		t.Fatalf("expected no events from second flush, got %#v", events)
	}
	if events := tokenizer.Push("late"); len(events) != 0 {
		t.Fatalf("expected push after flush to be ignored, got %#v", events)
	}
	if tokenizer.State() != parser.StateBody {
		t.Fatalf("unexpected state %s", tokenizer.State())
	}
}

func TestTokenizerKeepsMultibyteRunesIntact(t *testing.T) {
	input := strings.Repeat("héllo wörld ", 8)
	tokenizer := parser.NewTokenizer(parser.Options{})
	var events []parser.Event
	for _, chunk := range splitEvery(input, 5) {
		events = append(events, tokenizer.Push(chunk)...)
		for _, event := range events {
			if token, ok := event.(parser.ContentToken); ok && !utf8.ValidString(token.Text) {
				t.Fatalf("content token splits a rune: %q", token.Text)
			}
		}
	}
	events = append(events, tokenizer.Flush()...)
	if contentOf(events) != input {
		t.Fatalf("content mismatch")
	}
}

func TestTokenizerReleasesOrdinaryObjects(t *testing.T) {
	testCases := []struct {
		name    string
		options parser.Options
		input   string
	}{
		{name: "plain object", input: `Config is {"name":"demo","size":3} here.`},
		{name: "nested objects", input: `{"a":{"b":{"c":1}},"d":[{"e":2}]} tail`},
		{name: "brace without key", input: `map { value } and {} done`},
		{
			name:    "object larger than the hold bound",
			options: parser.Options{MaxHeld: 16},
			input:   `{"type":"tool_call","server":"fs","tool":"read"} tail`,
		},
	}

	for _, testCase := range testCases {
		for _, chunkSize := range []int{1, 4, len(testCase.input)} {
			tokenizer := parser.NewTokenizer(testCase.options)
			var events []parser.Event
			for _, chunk := range splitEvery(testCase.input, chunkSize) {
				events = append(events, tokenizer.Push(chunk)...)
			}
			events = append(events, tokenizer.Flush()...)
			if calls := callsOf(events); len(calls) != 0 {
				t.Fatalf("%s (chunk %d): unexpected calls %#v", testCase.name, chunkSize, calls)
			}
			if content := contentOf(events); content != testCase.input {
				t.Fatalf("%s (chunk %d): content %q, want %q", testCase.name, chunkSize, content, testCase.input)
			}
		}
	}
}
