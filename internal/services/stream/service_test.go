package stream_test

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/temirov/toolstream/internal/lifecycle"
	"github.com/temirov/toolstream/internal/parser"
	"github.com/temirov/toolstream/internal/services/stream"
	"github.com/temirov/toolstream/internal/store"
	"github.com/temirov/toolstream/internal/types"
)

type stubCounter struct{}

func (stubCounter) Name() string { return "stub" }

func (stubCounter) CountString(input string) (int, error) { return len([]rune(input)), nil }

func runSession(session *stream.Session, chunks ...string) []stream.Event {
	var events []stream.Event
	for _, chunk := range chunks {
		events = append(events, session.Push(chunk)...)
	}
	return append(events, session.Flush()...)
}

func visibleText(events []stream.Event) string {
	var builder strings.Builder
	for _, event := range events {
		if event.Kind == stream.EventKindContent {
			builder.WriteString(event.Text)
		}
	}
	return builder.String()
}

func kindsOf(events []stream.Event) []stream.EventKind {
	kinds := make([]stream.EventKind, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func TestSessionScenarios(t *testing.T) {
	testCases := []struct {
		name            string
		chunks          []string
		expectedKinds   []stream.EventKind
		expectedVisible string
	}{
		{
			name:            "plain prose",
			chunks:          []string{"Hello ", "world"},
			expectedKinds:   []stream.EventKind{stream.EventKindContent, stream.EventKindSummary},
			expectedVisible: "Hello world",
		},
		{
			name:   "thinking segment",
			chunks: []string{"<think>", "reasoning", "</think>done"},
			expectedKinds: []stream.EventKind{
				stream.EventKindThinkingStart,
				stream.EventKindThinkingChunk,
				stream.EventKindThinkingEnd,
				stream.EventKindContent,
				stream.EventKindSummary,
			},
			expectedVisible: "done",
		},
		{
			name:            "split invocation",
			chunks:          []string{`{"ty`, `pe":"tool_call","server":"fs","tool":"read"}`},
			expectedKinds:   []stream.EventKind{stream.EventKindToolCall, stream.EventKindSummary},
			expectedVisible: "",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			session := stream.NewSession(context.Background(), stream.SessionOptions{MessageID: "message-1"})
			events := runSession(session, testCase.chunks...)
			kinds := kindsOf(events)
			if strings.Join(kindStrings(kinds), ",") != strings.Join(kindStrings(testCase.expectedKinds), ",") {
				t.Fatalf("unexpected kinds %v, want %v", kinds, testCase.expectedKinds)
			}
			if visible := visibleText(events); visible != testCase.expectedVisible {
				t.Fatalf("visible %q, want %q", visible, testCase.expectedVisible)
			}
			for _, event := range events {
				if event.MessageID != "message-1" || event.Version != stream.SchemaVersion {
					t.Fatalf("event not stamped: %+v", event)
				}
			}
		})
	}
}

func kindStrings(kinds []stream.EventKind) []string {
	values := make([]string, len(kinds))
	for index, kind := range kinds {
		values[index] = string(kind)
	}
	return values
}

func TestSessionCreatesCardAfterVisibleText(t *testing.T) {
	ctx := context.Background()
	messageStore := store.NewMemoryStore()
	manager := lifecycle.NewManager(lifecycle.Config{
		Policy: lifecycle.ServerPolicy{DefaultAutoAuthorize: true},
		Sink:   messageStore,
	})
	session := stream.NewSession(ctx, stream.SessionOptions{
		MessageID:    "message-1",
		Sink:         messageStore,
		Manager:      manager,
		TokenCounter: stubCounter{},
		TokenModel:   "stub-model",
	})

	events := runSession(session,
		"Let me check. <tool_call>",
		`{"type":"tool_call","server":"fs","tool":"read","parameters":{"path":"/a"}}`,
		"</tool_call> Done.",
	)

	var call *stream.Event
	for index := range events {
		if events[index].Kind == stream.EventKindToolCall {
			call = &events[index]
		}
	}
	if call == nil {
		t.Fatalf("expected a tool_call event, got %v", kindsOf(events))
	}
	if call.CardID == "" || call.Server != "fs" || call.Tool != "read" || call.Arguments["path"] != "/a" {
		t.Fatalf("unexpected tool_call event %+v", call)
	}
	if call.ArgumentsJSON != `{"path":"/a"}` {
		t.Fatalf("unexpected encoded arguments %q", call.ArgumentsJSON)
	}

	content, err := messageStore.Content(ctx, "message-1")
	if err != nil {
		t.Fatalf("read content: %v", err)
	}
	if content != session.Content() {
		t.Fatalf("persisted content %q differs from live content %q", content, session.Content())
	}
	lines := strings.Split(content, "\n")
	if len(lines) != 2 || lines[0] != "Let me check. " {
		t.Fatalf("unexpected content layout %q", content)
	}
	var marker types.CardMarker
	if err := json.Unmarshal([]byte(strings.TrimSuffix(lines[1], " Done.")), &marker); err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if marker.Card.ID != call.CardID || marker.Card.Status != types.CardStatusRunning {
		t.Fatalf("unexpected marker %+v", marker.Card)
	}
	if !strings.HasSuffix(content, " Done.") {
		t.Fatalf("expected trailing prose after the marker, got %q", content)
	}

	summary := session.Summary()
	if !summary.ToolCalled || summary.CardID != call.CardID {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Tokens != summary.VisibleCharacters || summary.Model != "stub-model" {
		t.Fatalf("unexpected token summary %+v", summary)
	}
}

func TestSessionDispatchesDetectionEvents(t *testing.T) {
	ctx := context.Background()
	messageStore := store.NewMemoryStore()
	session := stream.NewSession(ctx, stream.SessionOptions{MessageID: "message-1", Sink: messageStore})

	events := runSession(session, "Sure. <|channel|>commentary to=fs.read <|message|>", `{"path":"/a"}`, "\nAfter")
	if visible := visibleText(events); visible != "Sure. \nAfter" {
		t.Fatalf("unexpected visible text %q", visible)
	}

	recorded, err := messageStore.Events(ctx, "message-1")
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(recorded) != 2 || recorded[0].Kind != types.LifecycleDetectingStart || recorded[1].Kind != types.LifecycleDetectingEnd {
		t.Fatalf("unexpected lifecycle events %+v", recorded)
	}
}

func TestSessionRecoversOversizedInvocationAtEndOfStream(t *testing.T) {
	input := `Plan: {"parameters":{"query":"a long query string that exceeds the hold bound"},"type":"tool_call","server":"search","tool":"run"}`
	session := stream.NewSession(context.Background(), stream.SessionOptions{
		MessageID: "message-1",
		Parser:    parser.Options{MaxHeld: 32},
	})
	events := runSession(session, input)

	last := events[len(events)-1]
	if last.Kind != stream.EventKindSummary || !last.Summary.ToolCalled {
		t.Fatalf("expected summary with tool call, got %+v", last)
	}
	previous := events[len(events)-2]
	if previous.Kind != stream.EventKindToolCall || previous.Server != "search" || previous.Tool != "run" {
		t.Fatalf("expected recovered tool_call, got %+v", previous)
	}
}

func TestSessionDetectsObjectWithLateDiscriminator(t *testing.T) {
	ctx := context.Background()
	messageStore := store.NewMemoryStore()
	manager := lifecycle.NewManager(lifecycle.Config{Sink: messageStore})

	input := `Sure. {"description":"read the project readme for the user","type":"tool_call","server":"fs","tool":"read"} ok`
	for index, chunkSize := range []int{1, 7, len(input)} {
		messageID := "message-" + strconv.Itoa(index+1)
		session := stream.NewSession(ctx, stream.SessionOptions{MessageID: messageID, Sink: messageStore, Manager: manager})
		var chunks []string
		for start := 0; start < len(input); start += chunkSize {
			chunks = append(chunks, input[start:min(start+chunkSize, len(input))])
		}
		events := runSession(session, chunks...)

		calls := 0
		for _, event := range events {
			if event.Kind == stream.EventKindToolCall {
				calls++
			}
		}
		if calls != 1 {
			t.Fatalf("chunk size %d: expected one tool_call, got %v", chunkSize, kindsOf(events))
		}
		if visible := visibleText(events); visible != "Sure.  ok" {
			t.Fatalf("chunk size %d: unexpected visible text %q", chunkSize, visible)
		}
	}

	content, err := messageStore.Content(ctx, "message-1")
	if err != nil {
		t.Fatalf("read content: %v", err)
	}
	if strings.Contains(content, `"tool_call"`) || strings.Contains(content, "description") {
		t.Fatalf("persisted content kept invocation syntax: %q", content)
	}
	if !strings.Contains(content, types.CardMarkerKey) {
		t.Fatalf("persisted content lost the card marker: %q", content)
	}
}

func TestSessionIgnoresInvocationInsideThinking(t *testing.T) {
	input := `<think>maybe I should call {"type":"tool_call","server":"fs","tool":"delete"} but no</think>Here is the answer.`
	for _, chunkSize := range []int{1, 5, len(input)} {
		session := stream.NewSession(context.Background(), stream.SessionOptions{MessageID: "message-1"})
		var chunks []string
		for start := 0; start < len(input); start += chunkSize {
			chunks = append(chunks, input[start:min(start+chunkSize, len(input))])
		}
		events := runSession(session, chunks...)

		for _, event := range events {
			if event.Kind == stream.EventKindToolCall {
				t.Fatalf("chunk size %d: thinking text fired %+v", chunkSize, event)
			}
		}
		if session.Summary().ToolCalled {
			t.Fatalf("chunk size %d: summary reports a tool call", chunkSize)
		}
		if visible := visibleText(events); visible != "Here is the answer." {
			t.Fatalf("chunk size %d: unexpected visible text %q", chunkSize, visible)
		}
	}
}

func TestSessionHandlesInvocationEdgeCases(t *testing.T) {
	testCases := []struct {
		name              string
		policy            lifecycle.Policy
		input             string
		expectedArguments string
		expectedStatus    types.CardStatus
	}{
		{
			name:              "number beyond float range",
			policy:            lifecycle.ServerPolicy{DefaultAutoAuthorize: true},
			input:             `{"type":"tool_call","server":"fs","tool":"read","parameters":{"n":1e999}}`,
			expectedArguments: `{"n":"1e999"}`,
			expectedStatus:    types.CardStatusRunning,
		},
		{
			name:              "panicking authorization policy",
			policy:            lifecycle.PolicyFunc(func(string) bool { panic("policy boom") }),
			input:             `{"type":"tool_call","server":"fs","tool":"read","parameters":{"path":"/a"}}`,
			expectedArguments: `{"path":"/a"}`,
			expectedStatus:    types.CardStatusPendingAuthorization,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ctx := context.Background()
			messageStore := store.NewMemoryStore()
			manager := lifecycle.NewManager(lifecycle.Config{Policy: testCase.policy, Sink: messageStore})

			for _, messageID := range []string{"message-1", "message-2"} {
				session := stream.NewSession(ctx, stream.SessionOptions{MessageID: messageID, Sink: messageStore, Manager: manager})
				events := runSession(session, "Working. ", testCase.input)

				var call *stream.Event
				for index := range events {
					if events[index].Kind == stream.EventKindToolCall {
						call = &events[index]
					}
				}
				if call == nil || call.CardID == "" {
					t.Fatalf("%s: expected a tool_call with a card, got %v", messageID, kindsOf(events))
				}
				if call.ArgumentsJSON != testCase.expectedArguments {
					t.Fatalf("%s: unexpected encoded arguments %q", messageID, call.ArgumentsJSON)
				}
				card, found := manager.Card(call.CardID)
				if !found || card.Status != testCase.expectedStatus {
					t.Fatalf("%s: unexpected card %+v", messageID, card)
				}
				content, err := messageStore.Content(ctx, messageID)
				if err != nil {
					t.Fatalf("%s: read content: %v", messageID, err)
				}
				if !strings.Contains(content, call.CardID) {
					t.Fatalf("%s: persisted content misses the card marker: %q", messageID, content)
				}
			}
		})
	}
}

func TestSessionFlushIsIdempotent(t *testing.T) {
	session := stream.NewSession(context.Background(), stream.SessionOptions{MessageID: "message-1"})
	session.Push("text")
	if events := session.Flush(); len(events) == 0 {
		t.Fatalf("expected events from first flush")
	}
	if events := session.Flush(); events != nil {
		t.Fatalf("expected nothing from second flush, got %v", events)
	}
	if events := session.Push("more"); events != nil {
		t.Fatalf("expected push after flush to be ignored, got %v", events)
	}
}

func TestStreamReplyReplaysReader(t *testing.T) {
	input := "Héllo wörld, <think>quiet</think>answer"
	session := stream.NewSession(context.Background(), stream.SessionOptions{MessageID: "message-1"})
	events := collectEvents(t, func(ch chan<- stream.Event) error {
		return stream.StreamReply(context.Background(), session, stream.ReplayOptions{
			Reader:    strings.NewReader(input),
			ChunkSize: 3,
		}, ch)
	})

	if visible := visibleText(events); visible != "Héllo wörld, answer" {
		t.Fatalf("unexpected visible text %q", visible)
	}
	if events[len(events)-1].Kind != stream.EventKindSummary {
		t.Fatalf("expected summary last")
	}
	for _, event := range events {
		if event.EmittedAt.IsZero() {
			t.Fatalf("event not timestamped: %+v", event)
		}
	}
}

func TestStreamChunksStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := stream.NewSession(ctx, stream.SessionOptions{MessageID: "message-1"})
	err := stream.StreamChunks(ctx, session, []string{"some text"}, make(chan stream.Event))
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func collectEvents(t *testing.T, producer func(chan<- stream.Event) error) []stream.Event {
	t.Helper()
	events := make(chan stream.Event, 32)
	errCh := make(chan error, 1)
	go func() {
		errCh <- producer(events)
		close(events)
	}()

	var out []stream.Event
	for event := range events {
		out = append(out, event)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("producer returned error: %v", err)
	}
	return out
}
