package room

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collabkit/roomkit/internal/domain/crdt"
	"github.com/collabkit/roomkit/internal/domain/model"
)

func TestBatchCollapsesUpdatesAndOps(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		ch := f.connectAndLoad(rootItem(map[string]any{"a": float64(0), "b": float64(0)}))
		root, err := f.room.GetStorage(context.Background())
		require.NoError(t, err)

		var emissions []StorageUpdates
		f.room.SubscribeStorageAny(func(u StorageUpdates) { emissions = append(emissions, u) })

		f.room.Batch(func() {
			require.NoError(t, root.Set("a", float64(1)))
			require.NoError(t, root.Set("b", float64(1)))
		})

		// One emission, one affected node, both keys merged.
		require.Len(t, emissions, 1)
		require.Len(t, emissions[0], 1)
		ou, ok := emissions[0][0].(*crdt.ObjectUpdate)
		require.True(t, ok)
		require.Len(t, ou.Updates, 2)

		time.Sleep(200 * time.Millisecond)
		synctest.Wait()
		storage := framesOfType(ch.sentFrames(t), float64(model.ClientUpdateStorage))
		require.Len(t, storage, 1)
		require.Len(t, storage[0]["ops"].([]any), 2)

		f.room.Disconnect()
	})
}

func TestUndoRedoListBatch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		f.connectAndLoad(
			rootItem(nil),
			childItem("0:1", model.CrdtList, "0:0", "todos"),
		)
		root, err := f.room.GetStorage(context.Background())
		require.NoError(t, err)
		list, ok := root.Get("todos").(*crdt.List)
		require.True(t, ok)

		f.room.Batch(func() {
			require.NoError(t, list.Push("A"))
			require.NoError(t, list.Push("B"))
			require.NoError(t, list.Push("C"))
		})
		require.Equal(t, []any{"A", "B", "C"}, list.ToArray())

		require.NoError(t, f.room.Undo())
		require.Equal(t, []any{}, list.ToArray())

		require.NoError(t, f.room.Redo())
		require.Equal(t, []any{"A", "B", "C"}, list.ToArray())

		f.room.Disconnect()
	})
}

func TestUndoForbiddenDuringBatch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		f.connectAndLoad(rootItem(map[string]any{"a": float64(0)}))
		root, err := f.room.GetStorage(context.Background())
		require.NoError(t, err)

		var undoErr, redoErr error
		f.room.Batch(func() {
			undoErr = f.room.Undo()
			redoErr = f.room.Redo()
		})
		var iv *InvariantViolationError
		require.ErrorAs(t, undoErr, &iv)
		require.ErrorAs(t, redoErr, &iv)
		require.Equal(t, float64(0), root.Get("a"))

		f.room.Disconnect()
	})
}

func TestUndoStackDepthIsBounded(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		f.connectAndLoad(rootItem(map[string]any{"a": float64(0)}))
		root, err := f.room.GetStorage(context.Background())
		require.NoError(t, err)

		for i := 1; i <= 100; i++ {
			require.NoError(t, root.Set("a", float64(i)))
		}
		for range 100 {
			require.NoError(t, f.room.Undo())
		}
		// Only the 50 newest mutations are undoable; the rest were dropped.
		require.Equal(t, float64(50), root.Get("a"))

		f.room.Disconnect()
	})
}

func TestLocalOpClearsRedo(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		f.connectAndLoad(
			rootItem(nil),
			childItem("0:1", model.CrdtList, "0:0", "todos"),
		)
		root, err := f.room.GetStorage(context.Background())
		require.NoError(t, err)
		list := root.Get("todos").(*crdt.List)

		require.NoError(t, list.Insert("A", 0))
		require.NoError(t, f.room.Undo())
		require.NoError(t, list.Insert("B", 0))
		require.False(t, f.room.CanRedo())
		require.NoError(t, f.room.Redo())
		require.Equal(t, []any{"B"}, list.ToArray())

		f.room.Disconnect()
	})
}

func TestUndoRedoRoundTrip(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		f.connectAndLoad(
			rootItem(map[string]any{"title": "v0"}),
			childItem("0:1", model.CrdtList, "0:0", "todos"),
		)
		root, err := f.room.GetStorage(context.Background())
		require.NoError(t, err)
		list := root.Get("todos").(*crdt.List)

		require.NoError(t, root.Set("title", "v1"))
		require.NoError(t, list.Push("one"))
		f.room.Batch(func() {
			require.NoError(t, list.Push("two"))
			require.NoError(t, root.Set("title", "v2"))
		})

		snapshot := func() (string, []any) {
			return root.Get("title").(string), list.ToArray()
		}
		title, items := snapshot()
		require.Equal(t, "v2", title)
		require.Equal(t, []any{"one", "two"}, items)

		for f.room.CanUndo() {
			require.NoError(t, f.room.Undo())
		}
		title, items = snapshot()
		require.Equal(t, "v0", title)
		require.Empty(t, items)

		for f.room.CanRedo() {
			require.NoError(t, f.room.Redo())
		}
		title, items = snapshot()
		require.Equal(t, "v2", title)
		require.Equal(t, []any{"one", "two"}, items)

		f.room.Disconnect()
	})
}

func TestPauseResumeCoalescesHistory(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{})
		f.connectAndLoad(rootItem(map[string]any{"a": float64(0), "b": float64(0)}))
		root, err := f.room.GetStorage(context.Background())
		require.NoError(t, err)

		f.room.PauseHistory()
		require.NoError(t, root.Set("a", float64(1)))
		require.NoError(t, root.Set("b", float64(1)))
		require.False(t, f.room.CanUndo())
		f.room.ResumeHistory()
		require.True(t, f.room.CanUndo())

		require.NoError(t, f.room.Undo())
		require.Equal(t, float64(0), root.Get("a"))
		require.Equal(t, float64(0), root.Get("b"))

		f.room.Disconnect()
	})
}

func TestPresenceUndo(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t, Options{InitialPresence: model.Presence{"cursor": "0,0"}})
		f.connectAndLoad()

		f.room.UpdatePresence(model.Presence{"cursor": "5,5"}, WithAddToHistory())
		require.Equal(t, "5,5", f.room.Presence()["cursor"])

		require.NoError(t, f.room.Undo())
		require.Equal(t, "0,0", f.room.Presence()["cursor"])

		require.NoError(t, f.room.Redo())
		require.Equal(t, "5,5", f.room.Presence()["cursor"])

		f.room.Disconnect()
	})
}
