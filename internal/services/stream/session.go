package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/temirov/toolstream/internal/appender"
	"github.com/temirov/toolstream/internal/lifecycle"
	"github.com/temirov/toolstream/internal/parser"
	"github.com/temirov/toolstream/internal/tokenizer"
	"github.com/temirov/toolstream/internal/types"
	"github.com/temirov/toolstream/internal/valve"
)

var errInvocationPanic = errors.New("invocation handling panicked")

// MessageSink is the storage a session writes the reply to.
type MessageSink interface {
	appender.Sink
	lifecycle.EventSink
}

// SessionOptions wires one reply session.
type SessionOptions struct {
	MessageID      string
	InitialContent string
	Parser         parser.Options
	Valve          valve.Options
	PersistEvery   int
	Sink           MessageSink
	Manager        *lifecycle.Manager
	TokenCounter   tokenizer.Counter
	TokenModel     string
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Session runs one streamed reply through the tokenizer, the suppression valve, the content
// appender and the lifecycle manager. It is owned by a single producer.
type Session struct {
	ctx       context.Context
	messageID string
	tokenizer *parser.Tokenizer
	valve     *valve.Valve
	appender  *appender.Appender
	manager   *lifecycle.Manager
	sink      MessageSink
	counter   tokenizer.Counter
	model     string
	logger    *zap.Logger
	clock     func() time.Time

	body          strings.Builder
	visible       strings.Builder
	thinkingChars int
	thinkingStart time.Time
	thinkingTotal time.Duration
	toolFired     bool
	cardID        string
	suppressed    int
	flushed       bool
	summary       types.ReplySummary
}

// NewSession constructs a Session for options.MessageID.
func NewSession(ctx context.Context, options SessionOptions) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}
	var appenderSink appender.Sink
	if options.Sink != nil {
		appenderSink = options.Sink
	}
	return &Session{
		ctx:       ctx,
		messageID: options.MessageID,
		tokenizer: parser.NewTokenizer(options.Parser),
		valve:     valve.New(options.Valve),
		appender: appender.New(ctx, options.MessageID, options.InitialContent, appenderSink, appender.Options{
			PersistEvery: options.PersistEvery,
			Logger:       logger,
		}),
		manager: options.Manager,
		sink:    options.Sink,
		counter: options.TokenCounter,
		model:   options.TokenModel,
		logger:  logger,
		clock:   clock,
	}
}

// Push processes one chunk and returns the events it decided.
func (session *Session) Push(chunk string) []Event {
	if session.flushed || chunk == "" {
		return nil
	}
	var events []Event
	for _, event := range session.tokenizer.Push(chunk) {
		events = session.handle(events, event)
	}
	return events
}

// Flush drains every stage, runs the end-of-stream invocation fallback, requests the final
// durable write and returns the remaining events followed by the reply summary. Later calls
// return nothing.
func (session *Session) Flush() []Event {
	if session.flushed {
		return nil
	}
	session.flushed = true
	var events []Event
	for _, event := range session.tokenizer.Flush() {
		events = session.handle(events, event)
	}
	events = session.applyValve(events, session.valve.Finish())

	if !session.toolFired {
		if call, found := parser.ExtractInvocation(session.body.String()); found {
			session.logger.Info("recovered invocation at end of stream",
				zap.String("messageId", session.messageID),
				zap.String("server", call.Server),
				zap.String("tool", call.Tool))
			events = session.invoke(events, call)
		}
	}
	session.appender.Flush()

	session.summary = session.buildSummary()
	summary := session.summary
	events = append(events, Event{Kind: EventKindSummary, Summary: &summary})
	return session.stamp(events)
}

// Content returns the live message value, card markers included.
func (session *Session) Content() string {
	return session.appender.Content()
}

// Summary returns the reply summary computed by Flush.
func (session *Session) Summary() types.ReplySummary {
	return session.summary
}

func (session *Session) handle(events []Event, event parser.Event) []Event {
	switch typed := event.(type) {
	case parser.ContentToken:
		session.body.WriteString(typed.Text)
		events = session.applyValve(events, session.valve.Filter(typed.Text))
	case parser.ThinkingStart:
		events = session.applyValve(events, session.valve.Boundary())
		session.thinkingStart = session.clock()
		events = append(events, Event{Kind: EventKindThinkingStart})
	case parser.ThinkingToken:
		session.thinkingChars += utf8.RuneCountInString(typed.Text)
		events = append(events, Event{Kind: EventKindThinkingChunk, Text: typed.Text})
	case parser.ThinkingEnd:
		if !session.thinkingStart.IsZero() {
			session.thinkingTotal += session.clock().Sub(session.thinkingStart)
			session.thinkingStart = time.Time{}
		}
		events = append(events, Event{Kind: EventKindThinkingEnd})
	case parser.ToolCall:
		events = session.applyValve(events, session.valve.Boundary())
		events = session.invoke(events, typed)
	}
	return session.stamp(events)
}

func (session *Session) applyValve(events []Event, result valve.Result) []Event {
	for index := 0; index < result.Opened; index++ {
		session.dispatch(types.LifecycleEvent{Kind: types.LifecycleDetectingStart})
	}
	if result.Visible != "" {
		session.visible.WriteString(result.Visible)
		session.appender.Append(result.Visible)
		events = append(events, Event{Kind: EventKindContent, Text: result.Visible})
	}
	for _, gap := range result.Gaps {
		session.suppressed++
		session.logger.Info("suppressed unrecognized invocation grammar",
			zap.String("messageId", session.messageID),
			zap.String("trigger", string(gap.Trigger)),
			zap.Int("bytes", len(gap.Text)))
	}
	for index := 0; index < result.Closed; index++ {
		session.dispatch(types.LifecycleEvent{Kind: types.LifecycleDetectingEnd})
	}
	for _, call := range result.Calls {
		events = session.invoke(events, call)
	}
	return events
}

func (session *Session) invoke(events []Event, call parser.ToolCall) []Event {
	if session.toolFired {
		session.logger.Debug("ignoring additional invocation",
			zap.String("messageId", session.messageID),
			zap.String("server", call.Server),
			zap.String("tool", call.Tool))
		return events
	}
	session.toolFired = true
	event := Event{Kind: EventKindToolCall, Server: call.Server, Tool: call.Tool, Arguments: call.Arguments}
	if session.manager != nil {
		cardID, err := session.handleInvocation(call)
		if err != nil {
			session.logger.Warn("tool call card not created",
				zap.String("messageId", session.messageID),
				zap.String("server", call.Server),
				zap.String("tool", call.Tool),
				zap.Error(err))
		}
		session.cardID = cardID
		event.CardID = cardID
	}
	return append(events, event)
}

// handleInvocation hands call to the manager. A panic below the manager is reported as an
// error so the stream keeps flowing.
func (session *Session) handleInvocation(call parser.ToolCall) (cardID string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: %v", errInvocationPanic, recovered)
		}
	}()
	return session.manager.Handle(session.ctx, session.messageID, lifecycle.Invocation{
		Server:    call.Server,
		Tool:      call.Tool,
		Arguments: call.Arguments,
	}, session.appender)
}

func (session *Session) dispatch(event types.LifecycleEvent) {
	event.OccurredAt = session.clock().UTC()
	if session.manager != nil {
		session.manager.Dispatch(session.messageID, event)
		return
	}
	if session.sink == nil {
		return
	}
	if err := session.sink.DispatchLifecycleEvent(session.ctx, session.messageID, event); err != nil {
		session.logger.Warn("lifecycle event dispatch failed",
			zap.String("messageId", session.messageID),
			zap.String("event", string(event.Kind)),
			zap.Error(err))
	}
}

func (session *Session) buildSummary() types.ReplySummary {
	visible := session.visible.String()
	summary := types.ReplySummary{
		VisibleCharacters:  utf8.RuneCountInString(visible),
		ThinkingCharacters: session.thinkingChars,
		ToolCalled:         session.toolFired,
		CardID:             session.cardID,
		SuppressedBlocks:   session.suppressed,
	}
	if session.thinkingTotal > 0 {
		summary.ThinkingDuration = session.thinkingTotal.Round(time.Millisecond).String()
	}
	if session.counter != nil {
		tokens, err := session.counter.CountString(visible)
		if err != nil {
			session.logger.Warn("token counting failed", zap.String("messageId", session.messageID), zap.Error(err))
		} else {
			summary.Tokens = tokens
			summary.Model = session.model
		}
	}
	return summary
}

func (session *Session) stamp(events []Event) []Event {
	for index := range events {
		if events[index].MessageID == "" {
			events[index].MessageID = session.messageID
		}
		if events[index].Version == 0 {
			events[index].Version = SchemaVersion
		}
		if events[index].Arguments != nil && events[index].ArgumentsJSON == "" {
			if encoded, err := json.Marshal(events[index].Arguments); err == nil {
				events[index].ArgumentsJSON = string(encoded)
			}
		}
	}
	return events
}
