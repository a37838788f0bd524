package crdt

import (
	"maps"
	"slices"

	"github.com/collabkit/roomkit/internal/domain/model"
)

// Object is a keyed map node. Values are either plain JSON scalars stored
// inline or child nodes attached under the key.
type Object struct {
	base
	data map[string]any
}

// NewObject builds a detached object. Values may include other detached
// nodes; the whole subtree is attached when the object is.
func NewObject(initial map[string]any) *Object {
	o := &Object{data: map[string]any{}}
	maps.Copy(o.data, initial)
	return o
}

func (o *Object) Kind() model.CrdtKind { return model.CrdtObject }

// Get returns the value under key: a scalar, a child node, or nil.
func (o *Object) Get(key string) any {
	v, ok := o.data[key]
	if !ok {
		return nil
	}
	return v
}

// Keys returns the present keys in sorted order.
func (o *Object) Keys() []string {
	return slices.Sorted(maps.Keys(o.data))
}

// ToMap returns a shallow snapshot; child nodes are included as-is.
func (o *Object) ToMap() map[string]any {
	out := make(map[string]any, len(o.data))
	maps.Copy(out, o.data)
	return out
}

// Set writes a single key. Equivalent to Update with a one-key patch.
func (o *Object) Set(key string, value any) error {
	return o.Update(map[string]any{key: value})
}

// Update shallow-merges the patch into the object as one atomic mutation:
// one storage update, one reverse batch, scalar keys folded into a single
// UpdateObject op.
func (o *Object) Update(patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	if o.pl == nil {
		maps.Copy(o.data, patch)
		return nil
	}
	o.pl.enter()
	defer o.pl.exit()
	if err := o.pl.assertWritable(); err != nil {
		return err
	}

	var ops, reverse []model.Op
	update := newObjectUpdate(o)
	scalars := map[string]any{}

	for _, key := range slices.Sorted(maps.Keys(patch)) {
		value := patch[key]
		old, existed := o.data[key]
		oldNode, oldIsNode := asNode(old)
		if oldIsNode {
			oldNode.unregister()
		}

		var createdID string
		if child, ok := asNode(value); ok {
			ops = append(ops, child.attachDeep(o.pl, o, key)...)
			o.data[key] = child
			createdID = child.ID()
		} else {
			scalars[key] = value
			o.data[key] = value
		}
		update.Updates[key] = DeltaUpdate

		switch {
		case existed && oldIsNode:
			reverse = append(oldNode.creationOps(o.id, key), reverse...)
		case existed:
			reverse = append([]model.Op{model.NewUpdateObjectOp(o.id, map[string]any{key: old})}, reverse...)
		case createdID != "":
			reverse = append([]model.Op{model.NewDeleteCrdtOp(createdID)}, reverse...)
		default:
			reverse = append([]model.Op{model.NewDeleteObjectKeyOp(o.id, key)}, reverse...)
		}
	}
	if len(scalars) > 0 {
		ops = append([]model.Op{model.NewUpdateObjectOp(o.id, scalars)}, ops...)
	}

	o.pl.dispatchLocal(ops, reverse, []StorageUpdate{update})
	return nil
}

// Delete removes a key; removing an absent key is a no-op.
func (o *Object) Delete(key string) error {
	if o.pl == nil {
		delete(o.data, key)
		return nil
	}
	o.pl.enter()
	defer o.pl.exit()
	if err := o.pl.assertWritable(); err != nil {
		return err
	}
	old, existed := o.data[key]
	if !existed {
		return nil
	}

	var ops, reverse []model.Op
	if oldNode, ok := asNode(old); ok {
		ops = []model.Op{model.NewDeleteCrdtOp(oldNode.ID())}
		reverse = oldNode.creationOps(o.id, key)
		oldNode.unregister()
	} else {
		ops = []model.Op{model.NewDeleteObjectKeyOp(o.id, key)}
		reverse = []model.Op{model.NewUpdateObjectOp(o.id, map[string]any{key: old})}
	}
	delete(o.data, key)

	update := newObjectUpdate(o)
	update.Updates[key] = DeltaDelete
	o.pl.dispatchLocal(ops, reverse, []StorageUpdate{update})
	return nil
}

func (o *Object) apply(op model.Op, source Source) ApplyResult {
	switch op := op.(type) {
	case *model.UpdateObjectOp:
		return o.applyUpdate(op)
	case *model.DeleteObjectKeyOp:
		return o.applyDeleteKey(op)
	}
	return ApplyResult{}
}

func (o *Object) applyUpdate(op *model.UpdateObjectOp) ApplyResult {
	if len(op.Data) == 0 {
		return ApplyResult{}
	}
	update := newObjectUpdate(o)
	var reverse []model.Op

	for _, key := range slices.Sorted(maps.Keys(op.Data)) {
		value := op.Data[key]
		old, existed := o.data[key]
		switch {
		case existed && isNodeValue(old):
			oldNode, _ := asNode(old)
			reverse = append(oldNode.creationOps(o.id, key), reverse...)
			oldNode.unregister()
		case existed:
			reverse = append([]model.Op{model.NewUpdateObjectOp(o.id, map[string]any{key: old})}, reverse...)
		default:
			reverse = append([]model.Op{model.NewDeleteObjectKeyOp(o.id, key)}, reverse...)
		}
		o.data[key] = value
		update.Updates[key] = DeltaUpdate
	}
	return ApplyResult{Update: update, Reverse: reverse}
}

func (o *Object) applyDeleteKey(op *model.DeleteObjectKeyOp) ApplyResult {
	old, existed := o.data[op.Key]
	if !existed {
		return ApplyResult{}
	}
	var reverse []model.Op
	if oldNode, ok := asNode(old); ok {
		reverse = oldNode.creationOps(o.id, op.Key)
		oldNode.unregister()
	} else {
		reverse = []model.Op{model.NewUpdateObjectOp(o.id, map[string]any{op.Key: old})}
	}
	delete(o.data, op.Key)

	update := newObjectUpdate(o)
	update.Updates[op.Key] = DeltaDelete
	return ApplyResult{Update: update, Reverse: reverse}
}

func (o *Object) attachChild(op model.CreateOp, child Node, source Source) ApplyResult {
	_, key := op.Parent()
	old, existed := o.data[key]

	var reverse []model.Op
	switch {
	case existed && isNodeValue(old):
		oldNode, _ := asNode(old)
		reverse = oldNode.creationOps(o.id, key)
		oldNode.unregister()
	case existed:
		reverse = []model.Op{model.NewUpdateObjectOp(o.id, map[string]any{key: old})}
	default:
		reverse = []model.Op{model.NewDeleteCrdtOp(child.ID())}
	}

	child.setParent(o, key)
	o.pl.register(child)
	o.data[key] = child

	update := newObjectUpdate(o)
	update.Updates[key] = DeltaUpdate
	return ApplyResult{Update: update, Reverse: reverse}
}

func (o *Object) detachChild(child Node) ApplyResult {
	key := child.ParentKey()
	if cur, ok := asNode(o.data[key]); !ok || cur != child {
		return ApplyResult{}
	}
	reverse := child.creationOps(o.id, key)
	child.unregister()
	delete(o.data, key)

	update := newObjectUpdate(o)
	update.Updates[key] = DeltaDelete
	return ApplyResult{Update: update, Reverse: reverse}
}

func (o *Object) serialize() model.SerializedCrdt {
	parentID, parentKey := "", ""
	if o.parent != nil {
		parentID, parentKey = o.parent.ID(), o.parentKey
	}
	return model.SerializedCrdt{
		Kind:      model.CrdtObject,
		ParentID:  parentID,
		ParentKey: parentKey,
		Data:      o.scalarData(),
	}
}

func (o *Object) scalarData() map[string]any {
	data := map[string]any{}
	for k, v := range o.data {
		if !isNodeValue(v) {
			data[k] = v
		}
	}
	return data
}

func (o *Object) creationOps(parentID, parentKey string) []model.Op {
	ops := []model.Op{model.NewCreateObjectOp(o.id, parentID, parentKey, o.scalarData())}
	for _, key := range o.Keys() {
		if child, ok := asNode(o.data[key]); ok {
			ops = append(ops, child.creationOps(o.id, key)...)
		}
	}
	return ops
}

func (o *Object) attachDeep(pl *Pool, parent Node, key string) []model.Op {
	o.ensureID(pl)
	o.setParent(parent, key)
	pl.register(o)
	ops := []model.Op{model.NewCreateObjectOp(o.id, parent.ID(), key, o.scalarData())}
	for _, k := range o.Keys() {
		if child, ok := asNode(o.data[k]); ok {
			ops = append(ops, child.attachDeep(pl, o, k)...)
		}
	}
	return ops
}

func (o *Object) unregister() {
	for _, v := range o.data {
		if child, ok := asNode(v); ok {
			child.unregister()
		}
	}
	if o.pl != nil {
		o.pl.deregister(o.id)
		o.pl = nil
	}
}

func isNodeValue(v any) bool {
	_, ok := asNode(v)
	return ok
}
