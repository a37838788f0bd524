package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collabkit/roomkit/internal/domain/model"
)

type dispatchRecorder struct {
	ops     []model.Op
	reverse []model.Op
	updates []StorageUpdate
}

func (d *dispatchRecorder) capture(ops []model.Op, reverse []model.Op, updates []StorageUpdate) {
	d.ops = append(d.ops, ops...)
	d.reverse = append(reverse, d.reverse...)
	d.updates = append(d.updates, updates...)
}

func (d *dispatchRecorder) clear() {
	d.ops, d.reverse, d.updates = nil, nil, nil
}

func newTestPool(t *testing.T) (*Pool, *Object, *dispatchRecorder) {
	t.Helper()
	pool := NewPool()
	pool.SetSession(1, false)
	root, err := pool.LoadRoot([]model.StorageItem{
		{ID: "0:0", Node: model.SerializedCrdt{Kind: model.CrdtObject, Data: map[string]any{}}},
	})
	require.NoError(t, err)
	rec := &dispatchRecorder{}
	pool.OnLocalMutation(rec.capture)
	return pool, root, rec
}

func TestObjectSetScalarProducesOpAndReverse(t *testing.T) {
	_, root, rec := newTestPool(t)

	require.NoError(t, root.Set("a", float64(1)))
	require.Equal(t, float64(1), root.Get("a"))

	require.Len(t, rec.ops, 1)
	up, ok := rec.ops[0].(*model.UpdateObjectOp)
	require.True(t, ok)
	require.Equal(t, map[string]any{"a": float64(1)}, up.Data)

	// The key did not exist before, so the reverse removes it.
	require.Len(t, rec.reverse, 1)
	del, ok := rec.reverse[0].(*model.DeleteObjectKeyOp)
	require.True(t, ok)
	require.Equal(t, "a", del.Key)

	require.Len(t, rec.updates, 1)
	ou, ok := rec.updates[0].(*ObjectUpdate)
	require.True(t, ok)
	require.Equal(t, DeltaUpdate, ou.Updates["a"])
}

func TestObjectOverwriteReverseRestoresOldValue(t *testing.T) {
	_, root, rec := newTestPool(t)
	require.NoError(t, root.Set("a", float64(1)))
	rec.clear()

	require.NoError(t, root.Set("a", float64(2)))
	require.Len(t, rec.reverse, 1)
	up, ok := rec.reverse[0].(*model.UpdateObjectOp)
	require.True(t, ok)
	require.Equal(t, map[string]any{"a": float64(1)}, up.Data)
}

func TestObjectAttachNestedObject(t *testing.T) {
	pool, root, rec := newTestPool(t)

	child := NewObject(map[string]any{"x": float64(9)})
	require.NoError(t, root.Set("child", child))

	require.Len(t, rec.ops, 1)
	create, ok := rec.ops[0].(*model.CreateObjectOp)
	require.True(t, ok)
	require.Equal(t, child.ID(), create.ID_)
	require.Equal(t, root.ID(), create.ParentID)
	require.Equal(t, "child", create.ParentKey)
	require.Equal(t, map[string]any{"x": float64(9)}, create.Data)

	require.Same(t, child, pool.GetNode(child.ID()))
	require.Same(t, root, child.Parent())

	// Reverse deletes the attached node.
	require.Len(t, rec.reverse, 1)
	_, ok = rec.reverse[0].(*model.DeleteCrdtOp)
	require.True(t, ok)
}

func TestObjectDeleteChildReverseRecreatesSubtree(t *testing.T) {
	pool, root, rec := newTestPool(t)
	child := NewObject(map[string]any{"x": float64(9)})
	require.NoError(t, root.Set("child", child))
	id := child.ID()
	rec.clear()

	require.NoError(t, root.Delete("child"))
	require.Nil(t, root.Get("child"))
	require.Nil(t, pool.GetNode(id))

	require.Len(t, rec.ops, 1)
	require.IsType(t, &model.DeleteCrdtOp{}, rec.ops[0])

	require.NotEmpty(t, rec.reverse)
	create, ok := rec.reverse[0].(*model.CreateObjectOp)
	require.True(t, ok)
	require.Equal(t, id, create.ID_)

	// Replaying the reverse restores the child.
	res := pool.ApplyOp(rec.reverse[0], SourceUndoRedoReconnect)
	require.NotNil(t, res.Update)
	restored, ok := root.Get("child").(*Object)
	require.True(t, ok)
	require.Equal(t, float64(9), restored.Get("x"))
}

func TestObjectRemoteUpdateAppliesAndReverses(t *testing.T) {
	pool, root, _ := newTestPool(t)
	require.NoError(t, root.Set("a", float64(1)))

	res := pool.ApplyOp(model.NewUpdateObjectOp(root.ID(), map[string]any{"a": float64(5)}), SourceRemote)
	require.NotNil(t, res.Update)
	require.Equal(t, float64(5), root.Get("a"))

	require.Len(t, res.Reverse, 1)
	rev := res.Reverse[0].(*model.UpdateObjectOp)
	require.Equal(t, map[string]any{"a": float64(1)}, rev.Data)
}

func TestObjectApplyMissingTargetIsNoop(t *testing.T) {
	pool, _, _ := newTestPool(t)
	res := pool.ApplyOp(model.NewUpdateObjectOp("9:99", map[string]any{"a": float64(1)}), SourceRemote)
	require.Nil(t, res.Update)
}

func TestCreateWithExistingIDIsNoop(t *testing.T) {
	pool, root, rec := newTestPool(t)
	child := NewObject(nil)
	require.NoError(t, root.Set("child", child))
	rec.clear()

	res := pool.ApplyOp(model.NewCreateObjectOp(child.ID(), root.ID(), "elsewhere", nil), SourceRemote)
	require.Nil(t, res.Update)
	require.Same(t, child, root.Get("child"))
}

func TestWriteDeniedOnReadOnlySession(t *testing.T) {
	pool, root, rec := newTestPool(t)
	pool.SetSession(1, true)

	require.ErrorIs(t, root.Set("a", 1), ErrWriteDenied)
	require.Empty(t, rec.ops)
}

func TestMapSetAndDelete(t *testing.T) {
	_, root, rec := newTestPool(t)
	m := NewMap(nil)
	require.NoError(t, root.Set("m", m))
	rec.clear()

	require.NoError(t, m.Set("k", "v"))
	require.Equal(t, "v", m.Get("k"))
	require.True(t, m.Has("k"))
	require.Len(t, rec.ops, 1)
	create, ok := rec.ops[0].(*model.CreateRegisterOp)
	require.True(t, ok)
	require.Equal(t, "v", create.Data)

	rec.clear()
	require.NoError(t, m.Delete("k"))
	require.False(t, m.Has("k"))
	require.Len(t, rec.ops, 1)
	require.IsType(t, &model.DeleteCrdtOp{}, rec.ops[0])
	require.NotEmpty(t, rec.reverse)
}

func TestSeedDefaultsOnlyFillsAbsentKeys(t *testing.T) {
	pool, root, _ := newTestPool(t)
	require.NoError(t, root.Set("kept", float64(1)))

	ops, updates := pool.SeedDefaults(map[string]any{
		"kept":  float64(99),
		"fresh": "hello",
		"list":  NewList(),
	})
	require.Equal(t, float64(1), root.Get("kept"))
	require.Equal(t, "hello", root.Get("fresh"))
	require.IsType(t, &List{}, root.Get("list"))

	require.Len(t, updates, 1)
	ou := updates[0].(*ObjectUpdate)
	require.Len(t, ou.Updates, 2)
	require.Len(t, ops, 2)
}
