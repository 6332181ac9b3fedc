package store

import (
	"context"
	"strings"
	"sync"

	"github.com/temirov/toolstream/internal/types"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mutex    sync.RWMutex
	contents map[string]string
	events   map[string][]types.LifecycleEvent
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contents: map[string]string{},
		events:   map[string][]types.LifecycleEvent{},
	}
}

func (memoryStore *MemoryStore) AppendText(_ context.Context, messageID string, text string) error {
	memoryStore.mutex.Lock()
	defer memoryStore.mutex.Unlock()
	memoryStore.contents[messageID] += text
	return nil
}

// OverwriteContent replaces the stored value when content extends it. Any other value is
// ignored so that late writes never roll content back.
func (memoryStore *MemoryStore) OverwriteContent(_ context.Context, messageID string, content string) error {
	memoryStore.mutex.Lock()
	defer memoryStore.mutex.Unlock()
	if existing, found := memoryStore.contents[messageID]; found && !strings.HasPrefix(content, existing) {
		return nil
	}
	memoryStore.contents[messageID] = content
	return nil
}

func (memoryStore *MemoryStore) Content(_ context.Context, messageID string) (string, error) {
	memoryStore.mutex.RLock()
	defer memoryStore.mutex.RUnlock()
	content, found := memoryStore.contents[messageID]
	if !found {
		return "", ErrMessageNotFound
	}
	return content, nil
}

func (memoryStore *MemoryStore) DispatchLifecycleEvent(_ context.Context, messageID string, event types.LifecycleEvent) error {
	memoryStore.mutex.Lock()
	defer memoryStore.mutex.Unlock()
	memoryStore.events[messageID] = append(memoryStore.events[messageID], event)
	return nil
}

func (memoryStore *MemoryStore) Events(_ context.Context, messageID string) ([]types.LifecycleEvent, error) {
	memoryStore.mutex.RLock()
	defer memoryStore.mutex.RUnlock()
	recorded := memoryStore.events[messageID]
	copied := make([]types.LifecycleEvent, len(recorded))
	copy(copied, recorded)
	return copied, nil
}

func (memoryStore *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
