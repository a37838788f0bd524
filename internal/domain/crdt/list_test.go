package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collabkit/roomkit/internal/domain/model"
)

func newTestList(t *testing.T) (*Pool, *List, *dispatchRecorder) {
	t.Helper()
	pool, root, rec := newTestPool(t)
	list := NewList()
	require.NoError(t, root.Set("items", list))
	rec.clear()
	return pool, list, rec
}

func TestListPushAndToArray(t *testing.T) {
	_, list, rec := newTestList(t)

	require.NoError(t, list.Push("A"))
	require.NoError(t, list.Push("B"))
	require.NoError(t, list.Push("C"))

	require.Equal(t, []any{"A", "B", "C"}, list.ToArray())
	require.Len(t, rec.ops, 3)
	for _, op := range rec.ops {
		require.IsType(t, &model.CreateRegisterOp{}, op)
	}
	// Reverse ops arrive newest-first.
	require.Len(t, rec.reverse, 3)
	for _, op := range rec.reverse {
		require.IsType(t, &model.DeleteCrdtOp{}, op)
	}
}

func TestListInsertAtFront(t *testing.T) {
	_, list, _ := newTestList(t)
	require.NoError(t, list.Push("B"))
	require.NoError(t, list.Insert("A", 0))
	require.Equal(t, []any{"A", "B"}, list.ToArray())
}

func TestListDeleteMiddle(t *testing.T) {
	_, list, rec := newTestList(t)
	require.NoError(t, list.Push("A"))
	require.NoError(t, list.Push("B"))
	require.NoError(t, list.Push("C"))
	rec.clear()

	require.NoError(t, list.Delete(1))
	require.Equal(t, []any{"A", "C"}, list.ToArray())

	// Reverse recreates the deleted register at its old position.
	require.Len(t, rec.reverse, 1)
	create := rec.reverse[0].(*model.CreateRegisterOp)
	require.Equal(t, "B", create.Data)
}

func TestListMove(t *testing.T) {
	_, list, rec := newTestList(t)
	require.NoError(t, list.Push("A"))
	require.NoError(t, list.Push("B"))
	require.NoError(t, list.Push("C"))
	rec.clear()

	require.NoError(t, list.Move(0, 2))
	require.Equal(t, []any{"B", "C", "A"}, list.ToArray())

	require.Len(t, rec.ops, 1)
	require.IsType(t, &model.SetParentKeyOp{}, rec.ops[0])
	require.Len(t, rec.reverse, 1)
	require.IsType(t, &model.SetParentKeyOp{}, rec.reverse[0])
}

func TestListMoveReverseRestoresOrder(t *testing.T) {
	pool, list, rec := newTestList(t)
	require.NoError(t, list.Push("A"))
	require.NoError(t, list.Push("B"))
	rec.clear()

	require.NoError(t, list.Move(0, 1))
	require.Equal(t, []any{"B", "A"}, list.ToArray())

	res := pool.ApplyOp(rec.reverse[0], SourceUndoRedoReconnect)
	require.NotNil(t, res.Update)
	require.Equal(t, []any{"A", "B"}, list.ToArray())
}

func TestListRemoteInsertConflictShiftsExisting(t *testing.T) {
	pool, list, rec := newTestList(t)
	require.NoError(t, list.Push("mine"))
	pos := list.items[0].ParentKey()
	rec.clear()

	// A remote actor created an item at the very same position.
	res := pool.ApplyOp(model.NewCreateRegisterOp("2:0", list.ID(), pos, "theirs"), SourceRemote)
	require.NotNil(t, res.Update)
	require.Equal(t, 2, list.Length())

	// The incoming item takes the contested position; ours slides right.
	require.Equal(t, "theirs", list.Get(0))
	require.Equal(t, "mine", list.Get(1))

	lu := res.Update.(*ListUpdate)
	require.Len(t, lu.Items, 2)
	require.Equal(t, ListInsert, lu.Items[0].Kind)
	require.Equal(t, 0, lu.Items[0].Index)
	require.Equal(t, ListMove, lu.Items[1].Kind)
}

func TestListRemoteDelete(t *testing.T) {
	pool, list, _ := newTestList(t)
	require.NoError(t, list.Push("A"))
	id := list.items[0].ID()

	res := pool.ApplyOp(model.NewDeleteCrdtOp(id), SourceRemote)
	require.NotNil(t, res.Update)
	require.Equal(t, 0, list.Length())
	lu := res.Update.(*ListUpdate)
	require.Equal(t, ListDelete, lu.Items[0].Kind)
	require.Equal(t, 0, lu.Items[0].Index)
}

func TestListSetParentKeyWithoutListParentIsNoop(t *testing.T) {
	pool, root, _ := newTestPool(t)
	child := NewObject(nil)
	require.NoError(t, root.Set("child", child))

	res := pool.ApplyOp(model.NewSetParentKeyOp(child.ID(), "!"), SourceRemote)
	require.Nil(t, res.Update)
}

func TestListNestedContainerItems(t *testing.T) {
	_, list, rec := newTestList(t)
	inner := NewObject(map[string]any{"done": false})
	require.NoError(t, list.Push(inner))

	require.Equal(t, 1, list.Length())
	got, ok := list.Get(0).(*Object)
	require.True(t, ok)
	require.Equal(t, false, got.Get("done"))
	require.Len(t, rec.ops, 1)
	require.IsType(t, &model.CreateObjectOp{}, rec.ops[0])
}
