package store_test

import (
	"testing"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/store"
	"github.com/deepnoodle-ai/durable/store/storetest"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := store.NewFileStore(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestValidateAppend(t *testing.T) {
	require.NoError(t, store.ValidateAppend(3, nil))
	require.NoError(t, store.ValidateAppend(3, []*durable.HistoryEvent{
		{ID: 4, Type: durable.EventDecisionTaskStarted},
		{ID: 5, Type: durable.EventDecisionTaskCompleted},
	}))
	err := store.ValidateAppend(3, []*durable.HistoryEvent{
		{ID: 4, Type: durable.EventDecisionTaskStarted},
		{ID: 6, Type: durable.EventDecisionTaskCompleted},
	})
	require.ErrorIs(t, err, store.ErrConflict)
}
