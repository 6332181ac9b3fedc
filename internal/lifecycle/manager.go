// Package lifecycle turns decoded tool invocations into cards and drives their status
// transitions.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/toolstream/internal/parser"
	"github.com/temirov/toolstream/internal/types"
)

const markerSeparator = "\n"

var (
	// ErrCardNotFound is returned for an unknown card identifier.
	ErrCardNotFound = errors.New("lifecycle: card not found")
	// ErrInvalidTransition is returned when a status change would not be monotonic.
	ErrInvalidTransition = errors.New("lifecycle: invalid status transition")
	// ErrInvalidInvocation is returned when server or tool is empty.
	ErrInvalidInvocation = errors.New("lifecycle: invocation requires server and tool")
)

// Invocation is a decoded request handed to the manager. Arguments may be a map or a
// string holding a structured payload.
type Invocation struct {
	Server    string
	Tool      string
	Arguments any
}

// Listener receives the fire-and-forget callbacks for a card.
type Listener interface {
	AutoExecute(ctx context.Context, card types.ToolCard) error
	RequestAuthorization(ctx context.Context, card types.ToolCard) error
}

// EventSink receives lifecycle events for the rendering surface.
type EventSink interface {
	DispatchLifecycleEvent(ctx context.Context, messageID string, event types.LifecycleEvent) error
}

// ContentBuffer is the message buffer card markers are appended to.
type ContentBuffer interface {
	Content() string
	Append(text string)
}

// Config wires a Manager. A listener that returns from AutoExecute normally has only
// started the tool, so the card stays running until Complete is called. Set
// CompleteAfterExecute when AutoExecute runs the tool to completion. An AutoExecute error
// always fails the card.
type Config struct {
	Policy               Policy
	Listener             Listener
	Sink                 EventSink
	Logger               *zap.Logger
	IDGenerator          func() string
	Clock                func() time.Time
	CompleteAfterExecute bool
}

type notificationKind int

const (
	notifyEvent notificationKind = iota
	notifyAutoExecute
	notifyAuthorization
)

type notification struct {
	kind      notificationKind
	messageID string
	card      types.ToolCard
	event     types.LifecycleEvent
}

// Manager owns the cards of every reply it handled. Handle and the transition methods
// never block on listeners or the sink: notifications are queued and delivered by Run.
type Manager struct {
	policy   Policy
	listener Listener
	sink     EventSink
	logger   *zap.Logger
	newID    func() string
	clock    func() time.Time

	completeAfterExecute bool

	mutex         sync.Mutex
	cards         map[string]*types.ToolCard
	openByMessage map[string]string
	pending       []notification
	wake          chan struct{}
	closed        bool
	stopped       bool
}

// NewManager constructs a Manager. A nil policy never auto-authorizes.
func NewManager(config Config) *Manager {
	manager := &Manager{
		policy:        config.Policy,
		listener:      config.Listener,
		sink:          config.Sink,
		logger:        config.Logger,
		newID:         config.IDGenerator,
		clock:         config.Clock,
		cards:         map[string]*types.ToolCard{},
		openByMessage: map[string]string{},
		wake:          make(chan struct{}, 1),

		completeAfterExecute: config.CompleteAfterExecute,
	}
	if manager.policy == nil {
		manager.policy = ServerPolicy{}
	}
	if manager.logger == nil {
		manager.logger = zap.NewNop()
	}
	if manager.newID == nil {
		manager.newID = uuid.NewString
	}
	if manager.clock == nil {
		manager.clock = func() time.Time { return time.Now().UTC() }
	}
	return manager
}

// Handle registers an invocation for messageID, appends its card marker to buffer and
// queues the auto-execute or authorization-request callback. While the message already has
// an unresolved card the call is ignored and that card's identifier is returned. Nothing is
// registered when the marker cannot be rendered.
func (manager *Manager) Handle(ctx context.Context, messageID string, invocation Invocation, buffer ContentBuffer) (string, error) {
	if invocation.Server == "" || invocation.Tool == "" {
		return "", ErrInvalidInvocation
	}
	if existingID, open := manager.openCard(messageID); open {
		manager.logRepeated(messageID, existingID, invocation)
		return existingID, nil
	}

	arguments := parser.NormalizeArguments(invocation.Arguments)
	if arguments == nil {
		arguments = map[string]any{}
	}
	status := types.CardStatusPendingAuthorization
	if manager.autoAuthorized(invocation.Server) {
		status = types.CardStatusRunning
	}
	card := types.ToolCard{
		ID:        manager.newID(),
		Server:    invocation.Server,
		Tool:      invocation.Tool,
		Status:    status,
		Arguments: arguments,
		MessageID: messageID,
	}
	marker, err := Marker(card)
	if err != nil {
		return "", err
	}

	manager.mutex.Lock()
	if existingID, open := manager.openByMessage[messageID]; open {
		manager.mutex.Unlock()
		manager.logRepeated(messageID, existingID, invocation)
		return existingID, nil
	}
	registered := card
	manager.cards[card.ID] = &registered
	manager.openByMessage[messageID] = card.ID
	manager.mutex.Unlock()

	if buffer != nil {
		separator := ""
		if buffer.Content() != "" {
			separator = markerSeparator
		}
		buffer.Append(separator + marker)
	}

	manager.enqueue(manager.eventFor(card, types.LifecycleCardCreated, ""))
	if status == types.CardStatusRunning {
		manager.enqueue(notification{kind: notifyAutoExecute, messageID: messageID, card: card})
	} else {
		manager.enqueue(notification{kind: notifyAuthorization, messageID: messageID, card: card})
	}
	return card.ID, nil
}

func (manager *Manager) openCard(messageID string) (string, bool) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	cardID, open := manager.openByMessage[messageID]
	return cardID, open
}

func (manager *Manager) logRepeated(messageID string, cardID string, invocation Invocation) {
	manager.logger.Debug("ignoring repeated invocation",
		zap.String("messageId", messageID),
		zap.String("cardId", cardID),
		zap.String("server", invocation.Server),
		zap.String("tool", invocation.Tool))
}

// autoAuthorized consults the policy outside the manager lock. A panicking policy does not
// authorize.
func (manager *Manager) autoAuthorized(server string) (authorized bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			manager.logger.Warn("authorization policy panicked",
				zap.String("server", server),
				zap.Any("panic", recovered))
			authorized = false
		}
	}()
	return manager.policy.ShouldAutoAuthorize(server)
}

// Authorize moves a pending card to running and queues its execution.
func (manager *Manager) Authorize(cardID string) error {
	snapshot, err := manager.transition(cardID, types.CardStatusPendingAuthorization, types.CardStatusRunning)
	if err != nil {
		return err
	}
	manager.enqueue(manager.eventFor(snapshot, types.LifecycleCardAuthorized, ""))
	manager.enqueue(notification{kind: notifyAutoExecute, messageID: snapshot.MessageID, card: snapshot})
	return nil
}

// Deny fails a card that is waiting for authorization.
func (manager *Manager) Deny(cardID string, reason string) error {
	snapshot, err := manager.transition(cardID, types.CardStatusPendingAuthorization, types.CardStatusFailed)
	if err != nil {
		return err
	}
	manager.enqueue(manager.eventFor(snapshot, types.LifecycleCardFailed, reason))
	return nil
}

// Complete records the execution outcome of a running card.
func (manager *Manager) Complete(cardID string, executionErr error) error {
	target := types.CardStatusSucceeded
	kind := types.LifecycleCardCompleted
	reason := ""
	if executionErr != nil {
		target = types.CardStatusFailed
		kind = types.LifecycleCardFailed
		reason = executionErr.Error()
	}
	snapshot, err := manager.transition(cardID, types.CardStatusRunning, target)
	if err != nil {
		return err
	}
	manager.enqueue(manager.eventFor(snapshot, kind, reason))
	return nil
}

// Card returns a copy of the card.
func (manager *Manager) Card(cardID string) (types.ToolCard, bool) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	card, found := manager.cards[cardID]
	if !found {
		return types.ToolCard{}, false
	}
	return *card, true
}

// Dispatch queues an arbitrary lifecycle event for messageID, e.g. detection notices.
func (manager *Manager) Dispatch(messageID string, event types.LifecycleEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = manager.clock()
	}
	manager.enqueue(notification{kind: notifyEvent, messageID: messageID, event: event})
}

// Run delivers queued notifications until ctx is canceled or Close is called. Listener
// callbacks run concurrently with each other; sink events are delivered in order. Run
// returns after every started callback finished.
func (manager *Manager) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	defer manager.stop()
	for {
		batch, closed := manager.drain()
		for _, item := range batch {
			manager.deliver(groupCtx, group, item)
		}
		if closed && len(batch) == 0 {
			// callbacks may still queue completion events
			if err := group.Wait(); err != nil {
				return err
			}
			if remaining, _ := manager.drain(); len(remaining) > 0 {
				for _, item := range remaining {
					manager.deliver(groupCtx, group, item)
				}
				continue
			}
			return nil
		}
		if closed {
			continue
		}
		select {
		case <-ctx.Done():
			_ = group.Wait()
			return ctx.Err()
		case <-manager.wake:
		}
	}
}

func (manager *Manager) stop() {
	manager.mutex.Lock()
	manager.stopped = true
	manager.pending = nil
	manager.mutex.Unlock()
}

// Close asks Run to deliver what is queued, wait for running callbacks, and return.
func (manager *Manager) Close() {
	manager.mutex.Lock()
	manager.closed = true
	manager.mutex.Unlock()
	manager.signal()
}

// transition moves the card from source to target under one lock, so a concurrent change
// of the card fails the later caller.
func (manager *Manager) transition(cardID string, source types.CardStatus, target types.CardStatus) (types.ToolCard, error) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	card, found := manager.cards[cardID]
	if !found {
		return types.ToolCard{}, fmt.Errorf("%w: %s", ErrCardNotFound, cardID)
	}
	if card.Status != source || !allowedTransition(card.Status, target) {
		return types.ToolCard{}, fmt.Errorf("%w: %s -> %s for card %s", ErrInvalidTransition, card.Status, target, cardID)
	}
	card.Status = target
	if target.IsTerminal() && manager.openByMessage[card.MessageID] == cardID {
		delete(manager.openByMessage, card.MessageID)
	}
	return *card, nil
}

func allowedTransition(from, to types.CardStatus) bool {
	switch from {
	case types.CardStatusPendingAuthorization:
		return to == types.CardStatusRunning || to == types.CardStatusFailed
	case types.CardStatusRunning:
		return to == types.CardStatusSucceeded || to == types.CardStatusFailed
	default:
		return false
	}
}

func (manager *Manager) eventFor(card types.ToolCard, kind types.LifecycleEventKind, reason string) notification {
	return notification{
		kind:      notifyEvent,
		messageID: card.MessageID,
		card:      card,
		event: types.LifecycleEvent{
			Kind:       kind,
			CardID:     card.ID,
			Server:     card.Server,
			Tool:       card.Tool,
			Status:     card.Status,
			Arguments:  card.Arguments,
			Reason:     reason,
			OccurredAt: manager.clock(),
		},
	}
}

func (manager *Manager) enqueue(item notification) {
	manager.mutex.Lock()
	if manager.stopped {
		manager.mutex.Unlock()
		manager.logger.Warn("dropping lifecycle notification after shutdown",
			zap.String("messageId", item.messageID),
			zap.String("cardId", item.card.ID))
		return
	}
	manager.pending = append(manager.pending, item)
	manager.mutex.Unlock()
	manager.signal()
}

func (manager *Manager) signal() {
	select {
	case manager.wake <- struct{}{}:
	default:
	}
}

func (manager *Manager) drain() ([]notification, bool) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	batch := manager.pending
	manager.pending = nil
	return batch, manager.closed
}

func (manager *Manager) deliver(ctx context.Context, group *errgroup.Group, item notification) {
	switch item.kind {
	case notifyEvent:
		if manager.sink == nil {
			return
		}
		if err := manager.sink.DispatchLifecycleEvent(ctx, item.messageID, item.event); err != nil {
			manager.logger.Warn("lifecycle event dispatch failed",
				zap.String("messageId", item.messageID),
				zap.String("event", string(item.event.Kind)),
				zap.Error(err))
		}
	case notifyAutoExecute:
		if manager.listener == nil {
			return
		}
		card := item.card
		group.Go(func() error {
			executionErr := manager.invoke(func() error { return manager.listener.AutoExecute(ctx, card) })
			if executionErr != nil {
				manager.logger.Warn("tool execution failed",
					zap.String("messageId", card.MessageID),
					zap.String("cardId", card.ID),
					zap.String("server", card.Server),
					zap.String("tool", card.Tool),
					zap.Error(executionErr))
			}
			if executionErr == nil && !manager.completeAfterExecute {
				return nil
			}
			if completeErr := manager.Complete(card.ID, executionErr); completeErr != nil && !errors.Is(completeErr, ErrInvalidTransition) {
				manager.logger.Warn("recording tool result failed", zap.String("cardId", card.ID), zap.Error(completeErr))
			}
			return nil
		})
	case notifyAuthorization:
		if manager.listener == nil {
			return
		}
		card := item.card
		group.Go(func() error {
			if err := manager.invoke(func() error { return manager.listener.RequestAuthorization(ctx, card) }); err != nil {
				manager.logger.Warn("authorization request failed",
					zap.String("messageId", card.MessageID),
					zap.String("cardId", card.ID),
					zap.String("server", card.Server),
					zap.Error(err))
			}
			return nil
		})
	}
}

func (manager *Manager) invoke(callback func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("lifecycle callback panic: %v", recovered)
		}
	}()
	return callback()
}

// Marker renders the single-line card marker embedded in message content.
func Marker(card types.ToolCard) (string, error) {
	encoded, err := json.Marshal(types.CardMarker{Card: card})
	if err != nil {
		return "", fmt.Errorf("encode card marker: %w", err)
	}
	return string(encoded), nil
}
