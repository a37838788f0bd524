package crdt

import (
	"maps"
	"slices"

	"github.com/collabkit/roomkit/internal/domain/model"
)

// Map is a keyed collection node. Unlike Object, every value is a child
// node: scalars are wrapped in registers on write and unwrapped on read.
type Map struct {
	base
	entries map[string]Node
}

// NewMap builds a detached map from the given entries.
func NewMap(initial map[string]any) *Map {
	m := &Map{entries: map[string]Node{}}
	for k, v := range initial {
		m.entries[k] = wrapItem(v)
	}
	return m
}

func (m *Map) Kind() model.CrdtKind { return model.CrdtMap }

func (m *Map) Size() int { return len(m.entries) }

// Get returns the value under key, registers unwrapped; nil when absent.
func (m *Map) Get(key string) any {
	n, ok := m.entries[key]
	if !ok {
		return nil
	}
	return unwrapItem(n)
}

func (m *Map) Has(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// Keys returns the present keys in sorted order.
func (m *Map) Keys() []string {
	return slices.Sorted(maps.Keys(m.entries))
}

// Set writes one entry, replacing any previous child under the key.
func (m *Map) Set(key string, value any) error {
	child := wrapItem(value)
	if m.pl == nil {
		m.entries[key] = child
		return nil
	}
	m.pl.enter()
	defer m.pl.exit()
	if err := m.pl.assertWritable(); err != nil {
		return err
	}

	old, existed := m.entries[key]
	var reverse []model.Op
	if existed {
		reverse = old.creationOps(m.id, key)
		old.unregister()
	}
	ops := child.attachDeep(m.pl, m, key)
	if !existed {
		reverse = []model.Op{model.NewDeleteCrdtOp(child.ID())}
	}
	m.entries[key] = child

	update := newMapUpdate(m)
	update.Updates[key] = DeltaUpdate
	m.pl.dispatchLocal(ops, reverse, []StorageUpdate{update})
	return nil
}

// Delete removes one entry; deleting an absent key is a no-op.
func (m *Map) Delete(key string) error {
	if m.pl == nil {
		delete(m.entries, key)
		return nil
	}
	m.pl.enter()
	defer m.pl.exit()
	if err := m.pl.assertWritable(); err != nil {
		return err
	}
	old, existed := m.entries[key]
	if !existed {
		return nil
	}

	ops := []model.Op{model.NewDeleteCrdtOp(old.ID())}
	reverse := old.creationOps(m.id, key)
	old.unregister()
	delete(m.entries, key)

	update := newMapUpdate(m)
	update.Updates[key] = DeltaDelete
	m.pl.dispatchLocal(ops, reverse, []StorageUpdate{update})
	return nil
}

func (m *Map) apply(op model.Op, source Source) ApplyResult {
	return ApplyResult{}
}

func (m *Map) attachChild(op model.CreateOp, child Node, source Source) ApplyResult {
	_, key := op.Parent()

	var reverse []model.Op
	if old, existed := m.entries[key]; existed {
		reverse = old.creationOps(m.id, key)
		old.unregister()
	} else {
		reverse = []model.Op{model.NewDeleteCrdtOp(child.ID())}
	}

	child.setParent(m, key)
	m.pl.register(child)
	m.entries[key] = child

	update := newMapUpdate(m)
	update.Updates[key] = DeltaUpdate
	return ApplyResult{Update: update, Reverse: reverse}
}

func (m *Map) detachChild(child Node) ApplyResult {
	key := child.ParentKey()
	if cur, ok := m.entries[key]; !ok || cur != child {
		return ApplyResult{}
	}
	reverse := child.creationOps(m.id, key)
	child.unregister()
	delete(m.entries, key)

	update := newMapUpdate(m)
	update.Updates[key] = DeltaDelete
	return ApplyResult{Update: update, Reverse: reverse}
}

func (m *Map) serialize() model.SerializedCrdt {
	parentID, parentKey := "", ""
	if m.parent != nil {
		parentID, parentKey = m.parent.ID(), m.parentKey
	}
	return model.SerializedCrdt{Kind: model.CrdtMap, ParentID: parentID, ParentKey: parentKey}
}

func (m *Map) creationOps(parentID, parentKey string) []model.Op {
	ops := []model.Op{model.NewCreateMapOp(m.id, parentID, parentKey)}
	for _, key := range m.Keys() {
		ops = append(ops, m.entries[key].creationOps(m.id, key)...)
	}
	return ops
}

func (m *Map) attachDeep(pl *Pool, parent Node, key string) []model.Op {
	m.ensureID(pl)
	m.setParent(parent, key)
	pl.register(m)
	ops := []model.Op{model.NewCreateMapOp(m.id, parent.ID(), key)}
	for _, k := range m.Keys() {
		ops = append(ops, m.entries[k].attachDeep(pl, m, k)...)
	}
	return ops
}

func (m *Map) unregister() {
	for _, child := range m.entries {
		child.unregister()
	}
	if m.pl != nil {
		m.pl.deregister(m.id)
		m.pl = nil
	}
}
