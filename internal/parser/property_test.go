package parser_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/temirov/toolstream/internal/parser"
)

var proseFragments = []string{
	"Hello", " ", "world", "\n", "é", "日本", "<think>", "</think>", "<THINK>", "```", "`",
	"{", "}", `"`, `{"name":"x"}`, "<", ">", "</", "to", "=", "<tool", "_call", "commentary",
	"<type>", "tool", "\\", ":", ",",
}

func assemble(indexes []int) string {
	var builder strings.Builder
	for _, index := range indexes {
		builder.WriteString(proseFragments[index])
	}
	return builder.String()
}

func partition(text string, sizes []int) []string {
	var chunks []string
	for index := 0; len(text) > 0; index++ {
		size := len(text)
		if len(sizes) > 0 {
			size = sizes[index%len(sizes)]
		}
		if size > len(text) {
			size = len(text)
		}
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return chunks
}

// transcript renders events so that content and thinking text stay distinguishable while
// token boundaries do not matter.
func transcript(events []parser.Event) string {
	var builder strings.Builder
	for _, event := range events {
		switch typed := event.(type) {
		case parser.ContentToken:
			builder.WriteString(typed.Text)
		case parser.ThinkingStart:
			builder.WriteString("\x01")
		case parser.ThinkingToken:
			builder.WriteString(typed.Text)
		case parser.ThinkingEnd:
			builder.WriteString("\x02")
		case parser.ToolCall:
			builder.WriteString("\x03" + typed.Server + "." + typed.Tool)
		}
	}
	return builder.String()
}

func TestTokenizerChunkInvarianceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("any partition yields the same transcript", prop.ForAll(
		func(indexes []int, sizes []int) bool {
			input := assemble(indexes)
			whole := transcript(feed(input))
			split := transcript(feed(partition(input, sizes)...))
			return whole == split
		},
		gen.SliceOf(gen.IntRange(0, len(proseFragments)-1)),
		gen.SliceOfN(4, gen.IntRange(1, 9)),
	))

	properties.TestingRun(t)
}

func TestTokenizerThinkingPairingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("thinking tokens only appear inside a start/end pair", prop.ForAll(
		func(indexes []int, sizes []int) bool {
			open := false
			for _, event := range feed(partition(assemble(indexes), sizes)...) {
				switch event.(type) {
				case parser.ThinkingStart:
					if open {
						return false
					}
					open = true
				case parser.ThinkingToken:
					if !open {
						return false
					}
				case parser.ThinkingEnd:
					if !open {
						return false
					}
					open = false
				case parser.ContentToken:
					if open {
						return false
					}
				}
			}
			return !open
		},
		gen.SliceOf(gen.IntRange(0, len(proseFragments)-1)),
		gen.SliceOfN(3, gen.IntRange(1, 6)),
	))

	properties.TestingRun(t)
}

func TestTokenizerSingleInvocationProperty(t *testing.T) {
	invocation := `{"type":"tool_call","server":"fs","tool":"read","parameters":{"path":"/a"}}`
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated invocations fire once and never leak", prop.ForAll(
		func(repeats int, sizes []int) bool {
			input := "Before " + strings.Repeat(invocation+" and ", repeats) + "after"
			events := feed(partition(input, sizes)...)
			calls := callsOf(events)
			if len(calls) != 1 {
				return false
			}
			content := contentOf(events)
			return !strings.Contains(content, "tool_call") && !strings.Contains(content, `"server"`)
		},
		gen.IntRange(1, 4),
		gen.SliceOfN(4, gen.IntRange(1, 11)),
	))

	properties.TestingRun(t)
}
