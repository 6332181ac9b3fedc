// Package store keeps message content and card lifecycle events for rendering surfaces.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/temirov/toolstream/internal/types"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// ErrMessageNotFound is returned by Content for an unknown message.
var ErrMessageNotFound = errors.New("store: message not found")

// Store is the set of sinks a reply session writes to.
type Store interface {
	AppendText(ctx context.Context, messageID string, text string) error
	OverwriteContent(ctx context.Context, messageID string, content string) error
	Content(ctx context.Context, messageID string) (string, error)
	DispatchLifecycleEvent(ctx context.Context, messageID string, event types.LifecycleEvent) error
	Events(ctx context.Context, messageID string) ([]types.LifecycleEvent, error)
	Close() error
}

// Open returns the store for driver. An empty driver selects the in-memory store.
func Open(driver string, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
