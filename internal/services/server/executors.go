package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/toolstream/internal/lifecycle"
	"github.com/temirov/toolstream/internal/parser"
	"github.com/temirov/toolstream/internal/services/stream"
	"github.com/temirov/toolstream/internal/types"
)

const (
	// CommandParse streams chunks through a reply session.
	CommandParse = "parse"
	// CommandClean strips invocation syntax and card markers from text.
	CommandClean = "clean"
	// CommandAuthorize approves a pending tool call card.
	CommandAuthorize = "authorize"
	// CommandDeny rejects a pending tool call card.
	CommandDeny = "deny"
	// CommandComplete records the outcome of a running tool call card.
	CommandComplete = "complete"

	eventBufferSize = 64
)

// SessionFactory creates the session that processes one reply.
type SessionFactory func(ctx context.Context, messageID string, initialContent string) *stream.Session

// CardController drives tool call cards after they were created.
type CardController interface {
	Authorize(cardID string) error
	Deny(cardID string, reason string) error
	Complete(cardID string, executionErr error) error
	Card(cardID string) (types.ToolCard, bool)
}

// ParseRequest is the body of the parse command.
type ParseRequest struct {
	MessageID      string   `json:"messageId"`
	InitialContent string   `json:"initialContent,omitempty"`
	Chunks         []string `json:"chunks"`
}

// ParseResponse is returned by the parse command.
type ParseResponse struct {
	MessageID string             `json:"messageId"`
	Events    []stream.Event     `json:"events"`
	Content   string             `json:"content"`
	Summary   types.ReplySummary `json:"summary"`
	Card      *types.ToolCard    `json:"card,omitempty"`
}

// CleanRequest is the body of the clean command.
type CleanRequest struct {
	Text string `json:"text"`
}

// CleanResponse is returned by the clean command.
type CleanResponse struct {
	Text string `json:"text"`
}

// CardRequest is the body of the card commands. For complete, a non-empty Error fails the
// card.
type CardRequest struct {
	CardID string `json:"cardId"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CardResponse reports the card after a transition.
type CardResponse struct {
	Card types.ToolCard `json:"card"`
}

// DefaultCapabilities lists the commands registered by NewExecutors.
func DefaultCapabilities(withCards bool) []Capability {
	capabilities := []Capability{
		{Name: CommandParse, Description: "Parse streamed reply chunks into content, thinking and tool call events"},
		{Name: CommandClean, Description: "Strip invocation syntax and card markers from stored text"},
	}
	if withCards {
		capabilities = append(capabilities,
			Capability{Name: CommandAuthorize, Description: "Authorize a pending tool call card"},
			Capability{Name: CommandDeny, Description: "Deny a pending tool call card"},
			Capability{Name: CommandComplete, Description: "Record the result of a running tool call card"},
		)
	}
	return capabilities
}

// NewExecutors registers every command. Card commands are registered only when cards is non-nil.
func NewExecutors(factory SessionFactory, cards CardController) map[string]CommandExecutor {
	executors := map[string]CommandExecutor{
		CommandParse: NewParseExecutor(factory, cards),
		CommandClean: NewCleanExecutor(),
	}
	if cards != nil {
		executors[CommandAuthorize] = NewAuthorizeExecutor(cards)
		executors[CommandDeny] = NewDenyExecutor(cards)
		executors[CommandComplete] = NewCompleteExecutor(cards)
	}
	return executors
}

// NewParseExecutor streams the request chunks through a fresh session.
func NewParseExecutor(factory SessionFactory, cards CardController) CommandExecutor {
	return CommandExecutorFunc(func(ctx context.Context, request CommandRequest) (any, error) {
		var parseRequest ParseRequest
		if err := decodePayload(request.Payload, &parseRequest); err != nil {
			return nil, err
		}
		messageID := strings.TrimSpace(parseRequest.MessageID)
		if messageID == "" {
			messageID = uuid.NewString()
		}
		session := factory(ctx, messageID, parseRequest.InitialContent)

		events := make(chan stream.Event, eventBufferSize)
		response := ParseResponse{MessageID: messageID, Events: []stream.Event{}}
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			defer close(events)
			return stream.StreamChunks(groupCtx, session, parseRequest.Chunks, events)
		})
		group.Go(func() error {
			for event := range events {
				response.Events = append(response.Events, event)
			}
			return nil
		})
		if err := group.Wait(); err != nil {
			return nil, fmt.Errorf("parse message %s: %w", messageID, err)
		}

		response.Content = session.Content()
		response.Summary = session.Summary()
		if cards != nil && response.Summary.CardID != "" {
			if card, found := cards.Card(response.Summary.CardID); found {
				response.Card = &card
			}
		}
		return response, nil
	})
}

// NewCleanExecutor removes instruction syntax from the supplied text.
func NewCleanExecutor() CommandExecutor {
	return CommandExecutorFunc(func(_ context.Context, request CommandRequest) (any, error) {
		var cleanRequest CleanRequest
		if err := decodePayload(request.Payload, &cleanRequest); err != nil {
			return nil, err
		}
		return CleanResponse{Text: parser.CleanInstructions(cleanRequest.Text)}, nil
	})
}

// NewAuthorizeExecutor approves the requested card.
func NewAuthorizeExecutor(cards CardController) CommandExecutor {
	return cardExecutor(cards, func(request CardRequest) error {
		return cards.Authorize(request.CardID)
	})
}

// NewDenyExecutor rejects the requested card.
func NewDenyExecutor(cards CardController) CommandExecutor {
	return cardExecutor(cards, func(request CardRequest) error {
		return cards.Deny(request.CardID, request.Reason)
	})
}

// NewCompleteExecutor records the execution result of the requested card.
func NewCompleteExecutor(cards CardController) CommandExecutor {
	return cardExecutor(cards, func(request CardRequest) error {
		var executionErr error
		if request.Error != "" {
			executionErr = errors.New(request.Error)
		}
		return cards.Complete(request.CardID, executionErr)
	})
}

func cardExecutor(cards CardController, transition func(CardRequest) error) CommandExecutor {
	return CommandExecutorFunc(func(_ context.Context, request CommandRequest) (any, error) {
		var cardRequest CardRequest
		if err := decodePayload(request.Payload, &cardRequest); err != nil {
			return nil, err
		}
		if strings.TrimSpace(cardRequest.CardID) == "" {
			return nil, NewCommandExecutionError(http.StatusBadRequest, errors.New("cardId is required"))
		}
		if err := transition(cardRequest); err != nil {
			return nil, NewCommandExecutionError(statusForCardError(err), err)
		}
		card, _ := cards.Card(cardRequest.CardID)
		return CardResponse{Card: card}, nil
	})
}

func statusForCardError(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrCardNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodePayload(payload json.RawMessage, target any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return NewCommandExecutionError(http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
	}
	return nil
}
