package crdt

import (
	"fmt"
	"slices"
	"strings"

	"github.com/collabkit/roomkit/internal/domain/model"
)

// List is an ordered sequence node. Children are keyed by fractional
// positions (their parentKey); the visible order is the lexicographic order
// of those positions. Scalar items are wrapped in registers.
type List struct {
	base
	items []Node
}

// NewList builds a detached list holding the given items in order.
// Positions are assigned when the list is attached.
func NewList(items ...any) *List {
	l := &List{}
	for _, v := range items {
		l.items = append(l.items, wrapItem(v))
	}
	return l
}

func (l *List) Kind() model.CrdtKind { return model.CrdtList }

func (l *List) Length() int { return len(l.items) }

// Get returns the item at index, unwrapping registers; nil when out of range.
func (l *List) Get(index int) any {
	if index < 0 || index >= len(l.items) {
		return nil
	}
	return unwrapItem(l.items[index])
}

// ToArray returns the items in order, registers unwrapped.
func (l *List) ToArray() []any {
	out := make([]any, len(l.items))
	for i, n := range l.items {
		out[i] = unwrapItem(n)
	}
	return out
}

// Push appends an item.
func (l *List) Push(value any) error {
	return l.Insert(value, len(l.items))
}

// Insert places an item so it ends up at the given index.
func (l *List) Insert(value any, index int) error {
	if index < 0 || index > len(l.items) {
		return fmt.Errorf("crdt: list insert index %d out of range [0,%d]", index, len(l.items))
	}
	child := wrapItem(value)
	if l.pl == nil {
		l.items = slices.Insert(l.items, index, child)
		return nil
	}
	l.pl.enter()
	defer l.pl.exit()
	if err := l.pl.assertWritable(); err != nil {
		return err
	}

	pos := PosBetween(l.posBefore(index), l.posAt(index))
	ops := child.attachDeep(l.pl, l, pos)
	l.items = slices.Insert(l.items, index, child)

	reverse := []model.Op{model.NewDeleteCrdtOp(child.ID())}
	update := newListUpdate(l, ListDelta{Kind: ListInsert, Index: index, Item: unwrapItem(child)})
	l.pl.dispatchLocal(ops, reverse, []StorageUpdate{update})
	return nil
}

// Delete removes the item at index.
func (l *List) Delete(index int) error {
	if index < 0 || index >= len(l.items) {
		return fmt.Errorf("crdt: list delete index %d out of range [0,%d)", index, len(l.items))
	}
	child := l.items[index]
	if l.pl == nil {
		l.items = slices.Delete(l.items, index, index+1)
		return nil
	}
	l.pl.enter()
	defer l.pl.exit()
	if err := l.pl.assertWritable(); err != nil {
		return err
	}

	ops := []model.Op{model.NewDeleteCrdtOp(child.ID())}
	reverse := child.creationOps(l.id, child.ParentKey())
	child.unregister()
	l.items = slices.Delete(l.items, index, index+1)

	update := newListUpdate(l, ListDelta{Kind: ListDelete, Index: index})
	l.pl.dispatchLocal(ops, reverse, []StorageUpdate{update})
	return nil
}

// Move repositions the item at index so it ends up at targetIndex.
func (l *List) Move(index, targetIndex int) error {
	n := len(l.items)
	if index < 0 || index >= n || targetIndex < 0 || targetIndex >= n {
		return fmt.Errorf("crdt: list move %d -> %d out of range [0,%d)", index, targetIndex, n)
	}
	if index == targetIndex {
		return nil
	}
	child := l.items[index]
	if l.pl == nil {
		l.items = slices.Delete(l.items, index, index+1)
		l.items = slices.Insert(l.items, targetIndex, child)
		return nil
	}
	l.pl.enter()
	defer l.pl.exit()
	if err := l.pl.assertWritable(); err != nil {
		return err
	}

	var lo, hi string
	if targetIndex < index {
		lo = l.posBefore(targetIndex)
		hi = l.posAt(targetIndex)
	} else {
		lo = l.posAt(targetIndex)
		hi = l.posAfter(targetIndex)
	}
	oldPos := child.ParentKey()
	newPos := PosBetween(lo, hi)
	child.setParentKey(newPos)
	l.sortItems()

	ops := []model.Op{model.NewSetParentKeyOp(child.ID(), newPos)}
	reverse := []model.Op{model.NewSetParentKeyOp(child.ID(), oldPos)}
	update := newListUpdate(l, ListDelta{Kind: ListMove, Index: targetIndex, PrevIndex: index, Item: unwrapItem(child)})
	l.pl.dispatchLocal(ops, reverse, []StorageUpdate{update})
	return nil
}

func (l *List) apply(op model.Op, source Source) ApplyResult {
	return ApplyResult{}
}

func (l *List) attachChild(op model.CreateOp, child Node, source Source) ApplyResult {
	_, pos := op.Parent()
	deltas := l.shiftConflict(pos)

	child.setParent(l, pos)
	l.pl.register(child)
	l.items = append(l.items, child)
	l.sortItems()

	idx := l.indexOf(child)
	deltas = append([]ListDelta{{Kind: ListInsert, Index: idx, Item: unwrapItem(child)}}, deltas...)
	return ApplyResult{
		Update:  newListUpdate(l, deltas...),
		Reverse: []model.Op{model.NewDeleteCrdtOp(child.ID())},
	}
}

// setChildKey moves a child to a new position on behalf of a SetParentKey op.
func (l *List) setChildKey(newPos string, child Node, source Source) ApplyResult {
	oldPos := child.ParentKey()
	if oldPos == newPos {
		return ApplyResult{}
	}
	prevIndex := l.indexOf(child)
	deltas := l.shiftConflict(newPos)
	child.setParentKey(newPos)
	l.sortItems()

	idx := l.indexOf(child)
	deltas = append([]ListDelta{{Kind: ListMove, Index: idx, PrevIndex: prevIndex, Item: unwrapItem(child)}}, deltas...)
	return ApplyResult{
		Update:  newListUpdate(l, deltas...),
		Reverse: []model.Op{model.NewSetParentKeyOp(child.ID(), oldPos)},
	}
}

func (l *List) detachChild(child Node) ApplyResult {
	idx := l.indexOf(child)
	if idx < 0 {
		return ApplyResult{}
	}
	reverse := child.creationOps(l.id, child.ParentKey())
	child.unregister()
	l.items = slices.Delete(l.items, idx, idx+1)
	return ApplyResult{
		Update:  newListUpdate(l, ListDelta{Kind: ListDelete, Index: idx}),
		Reverse: reverse,
	}
}

// shiftConflict makes room at pos: an existing item holding that exact
// position slides right, between pos and its successor.
func (l *List) shiftConflict(pos string) []ListDelta {
	idx := -1
	for i, n := range l.items {
		if n.ParentKey() == pos {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	shifted := l.items[idx]
	shifted.setParentKey(PosBetween(pos, l.posAfter(idx)))
	return []ListDelta{{Kind: ListMove, Index: idx + 1, PrevIndex: idx, Item: unwrapItem(shifted)}}
}

func (l *List) indexOf(child Node) int {
	return slices.IndexFunc(l.items, func(n Node) bool { return n == child })
}

func (l *List) sortItems() {
	slices.SortStableFunc(l.items, func(a, b Node) int {
		return strings.Compare(a.ParentKey(), b.ParentKey())
	})
}

// posBefore is the position of the item preceding index, or "".
func (l *List) posBefore(index int) string {
	if index <= 0 || index-1 >= len(l.items) {
		return ""
	}
	return l.items[index-1].ParentKey()
}

// posAt is the position of the item at index, or "".
func (l *List) posAt(index int) string {
	if index < 0 || index >= len(l.items) {
		return ""
	}
	return l.items[index].ParentKey()
}

// posAfter is the position of the item following index, or "".
func (l *List) posAfter(index int) string {
	return l.posAt(index + 1)
}

func (l *List) serialize() model.SerializedCrdt {
	parentID, parentKey := "", ""
	if l.parent != nil {
		parentID, parentKey = l.parent.ID(), l.parentKey
	}
	return model.SerializedCrdt{Kind: model.CrdtList, ParentID: parentID, ParentKey: parentKey}
}

func (l *List) creationOps(parentID, parentKey string) []model.Op {
	ops := []model.Op{model.NewCreateListOp(l.id, parentID, parentKey)}
	for _, item := range l.items {
		ops = append(ops, item.creationOps(l.id, item.ParentKey())...)
	}
	return ops
}

func (l *List) attachDeep(pl *Pool, parent Node, key string) []model.Op {
	l.ensureID(pl)
	l.setParent(parent, key)
	pl.register(l)
	ops := []model.Op{model.NewCreateListOp(l.id, parent.ID(), key)}
	prev := ""
	for _, item := range l.items {
		pos := PosBetween(prev, "")
		prev = pos
		ops = append(ops, item.attachDeep(pl, l, pos)...)
	}
	return ops
}

func (l *List) unregister() {
	for _, item := range l.items {
		item.unregister()
	}
	if l.pl != nil {
		l.pl.deregister(l.id)
		l.pl = nil
	}
}
