package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/temirov/toolstream/internal/store"
	"github.com/temirov/toolstream/internal/types"
)

func openStores(t *testing.T) map[string]store.Store {
	t.Helper()
	sqliteStore, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "nested", "messages.db"))
	require.NoError(t, err)
	memoryStore, err := store.Open(store.DriverMemory, "")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sqliteStore.Close())
		require.NoError(t, memoryStore.Close())
	})
	return map[string]store.Store{
		store.DriverMemory: memoryStore,
		store.DriverSQLite: sqliteStore,
	}
}

func TestStoreContent(t *testing.T) {
	for driver, messageStore := range openStores(t) {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()

			_, err := messageStore.Content(ctx, "missing")
			require.ErrorIs(t, err, store.ErrMessageNotFound)

			require.NoError(t, messageStore.AppendText(ctx, "message-1", "Hello"))
			require.NoError(t, messageStore.AppendText(ctx, "message-1", ", world"))
			content, err := messageStore.Content(ctx, "message-1")
			require.NoError(t, err)
			require.Equal(t, "Hello, world", content)

			require.NoError(t, messageStore.OverwriteContent(ctx, "message-1", "Hello, world!"))
			content, err = messageStore.Content(ctx, "message-1")
			require.NoError(t, err)
			require.Equal(t, "Hello, world!", content)

			require.NoError(t, messageStore.OverwriteContent(ctx, "message-1", "Hello"))
			content, err = messageStore.Content(ctx, "message-1")
			require.NoError(t, err)
			require.Equal(t, "Hello, world!", content)

			require.NoError(t, messageStore.OverwriteContent(ctx, "message-1", "Goodbye, world!!"))
			content, err = messageStore.Content(ctx, "message-1")
			require.NoError(t, err)
			require.Equal(t, "Hello, world!", content)

			require.NoError(t, messageStore.OverwriteContent(ctx, "message-1", "Hello, wörld!"))
			content, err = messageStore.Content(ctx, "message-1")
			require.NoError(t, err)
			require.Equal(t, "Hello, world!", content)

			require.NoError(t, messageStore.OverwriteContent(ctx, "message-2", "fresh"))
			content, err = messageStore.Content(ctx, "message-2")
			require.NoError(t, err)
			require.Equal(t, "fresh", content)
		})
	}
}

func TestStoreLifecycleEvents(t *testing.T) {
	occurredAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for driver, messageStore := range openStores(t) {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			recorded := []types.LifecycleEvent{
				{Kind: types.LifecycleDetectingStart, OccurredAt: occurredAt},
				{
					Kind:       types.LifecycleCardCreated,
					CardID:     "card-1",
					Server:     "filesystem",
					Tool:       "read",
					Status:     types.CardStatusRunning,
					Arguments:  map[string]any{"path": "/tmp/a"},
					OccurredAt: occurredAt,
				},
				{Kind: types.LifecycleCardCompleted, CardID: "card-1", Status: types.CardStatusSucceeded, OccurredAt: occurredAt},
			}
			for _, event := range recorded {
				require.NoError(t, messageStore.DispatchLifecycleEvent(ctx, "message-1", event))
			}
			require.NoError(t, messageStore.DispatchLifecycleEvent(ctx, "message-2", recorded[0]))

			events, err := messageStore.Events(ctx, "message-1")
			require.NoError(t, err)
			require.Len(t, events, len(recorded))
			for index, event := range events {
				require.Equal(t, recorded[index].Kind, event.Kind)
				require.Equal(t, recorded[index].CardID, event.CardID)
				require.Equal(t, recorded[index].Status, event.Status)
				require.True(t, recorded[index].OccurredAt.Equal(event.OccurredAt))
			}
			require.Equal(t, "/tmp/a", events[1].Arguments["path"])

			none, err := messageStore.Events(ctx, "message-3")
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := store.Open("postgres", "")
	require.Error(t, err)

	_, err = store.Open(store.DriverSQLite, "")
	require.Error(t, err)
}
