package crdt

import (
	"errors"
	"reflect"
	"slices"

	"github.com/collabkit/roomkit/internal/domain/model"
)

var (
	// ErrEmptyStorage means the initial storage snapshot had no items.
	ErrEmptyStorage = errors.New("crdt: initial storage contained no items")
	// ErrNoUniqueRoot means the snapshot did not contain exactly one
	// parentless item.
	ErrNoUniqueRoot = errors.New("crdt: initial storage has no unique root")
)

// LoadRoot replaces the pool contents with the document described by the
// snapshot. The root is the unique item without a parent; everything else is
// attached by following parent links.
func (p *Pool) LoadRoot(items []model.StorageItem) (*Object, error) {
	if len(items) == 0 {
		return nil, ErrEmptyStorage
	}

	children := map[string][]model.StorageItem{}
	rootIndex := -1
	for i, item := range items {
		if item.Node.IsRoot() {
			if rootIndex >= 0 {
				return nil, ErrNoUniqueRoot
			}
			rootIndex = i
			continue
		}
		children[item.Node.ParentID] = append(children[item.Node.ParentID], item)
	}
	if rootIndex < 0 {
		return nil, ErrNoUniqueRoot
	}

	p.nodes = map[string]Node{}
	rootItem := items[rootIndex]
	root := NewObject(rootItem.Node.Data)
	root.setID(rootItem.ID)
	p.register(root)
	p.root = root

	var attach func(parent Node)
	attach = func(parent Node) {
		for _, item := range children[parent.ID()] {
			child := nodeFromSerialized(item.Node)
			child.setID(item.ID)
			child.setParent(parent, item.Node.ParentKey)
			p.register(child)
			adoptChild(parent, child, item.Node.ParentKey)
			attach(child)
		}
		if list, ok := parent.(*List); ok {
			list.sortItems()
		}
	}
	attach(root)
	return root, nil
}

// DiffRoot computes the ops that turn the current document into the incoming
// snapshot: deletes for current-only nodes, creates for incoming-only nodes,
// updates for overlapping nodes whose content changed. The caller applies
// them as remote ops.
func (p *Pool) DiffRoot(items []model.StorageItem) []model.Op {
	current := map[string]model.SerializedCrdt{}
	for id, node := range p.nodes {
		current[id] = node.serialize()
	}
	incoming := map[string]model.SerializedCrdt{}
	for _, item := range items {
		incoming[item.ID] = item.Node
	}

	var ops []model.Op
	for _, id := range sortedIDs(current) {
		if _, ok := incoming[id]; !ok {
			ops = append(ops, model.NewDeleteCrdtOp(id))
		}
	}
	// Creates follow the snapshot order so parents precede children.
	for _, item := range items {
		if _, ok := current[item.ID]; !ok {
			ops = append(ops, createOpFromSerialized(item.ID, item.Node))
		}
	}
	for _, item := range items {
		cur, ok := current[item.ID]
		if !ok {
			continue
		}
		ops = append(ops, diffNode(item.ID, cur, item.Node)...)
	}
	return ops
}

func diffNode(id string, cur, next model.SerializedCrdt) []model.Op {
	if cur.Kind != next.Kind || cur.ParentID != next.ParentID {
		return []model.Op{model.NewDeleteCrdtOp(id), createOpFromSerialized(id, next)}
	}
	var ops []model.Op
	if cur.ParentKey != next.ParentKey {
		ops = append(ops, model.NewSetParentKeyOp(id, next.ParentKey))
	}
	switch cur.Kind {
	case model.CrdtObject:
		if !reflect.DeepEqual(cur.Data, next.Data) {
			for key := range cur.Data {
				if _, ok := next.Data[key]; !ok {
					ops = append(ops, model.NewDeleteObjectKeyOp(id, key))
				}
			}
			if len(next.Data) > 0 {
				ops = append(ops, model.NewUpdateObjectOp(id, next.Data))
			}
		}
	case model.CrdtRegister:
		if !reflect.DeepEqual(cur.Value, next.Value) {
			ops = append(ops, model.NewDeleteCrdtOp(id), createOpFromSerialized(id, next))
		}
	}
	return ops
}

func nodeFromSerialized(s model.SerializedCrdt) Node {
	switch s.Kind {
	case model.CrdtObject:
		return NewObject(s.Data)
	case model.CrdtList:
		return NewList()
	case model.CrdtMap:
		return NewMap(nil)
	default:
		return NewRegister(s.Value)
	}
}

func createOpFromSerialized(id string, s model.SerializedCrdt) model.Op {
	switch s.Kind {
	case model.CrdtObject:
		return model.NewCreateObjectOp(id, s.ParentID, s.ParentKey, s.Data)
	case model.CrdtList:
		return model.NewCreateListOp(id, s.ParentID, s.ParentKey)
	case model.CrdtMap:
		return model.NewCreateMapOp(id, s.ParentID, s.ParentKey)
	default:
		return model.NewCreateRegisterOp(id, s.ParentID, s.ParentKey, s.Value)
	}
}

func adoptChild(parent, child Node, key string) {
	switch parent := parent.(type) {
	case *Object:
		parent.data[key] = child
	case *Map:
		parent.entries[key] = child
	case *List:
		parent.items = append(parent.items, child)
	}
}

func sortedIDs(m map[string]model.SerializedCrdt) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
