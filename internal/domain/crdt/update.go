package crdt

// StorageUpdate describes what changed on a single node during one apply
// pass. Observers receive exactly one update per affected node; the room
// coalesces successive updates for the same node with Merge.
type StorageUpdate interface {
	Node() Node
	// Merge folds a later update for the same node into this one.
	Merge(later StorageUpdate)
}

// DeltaKind tags a per-key change on Object and Map nodes.
type DeltaKind string

const (
	DeltaUpdate DeltaKind = "update"
	DeltaDelete DeltaKind = "delete"
)

// ObjectUpdate reports changed keys of an Object node.
type ObjectUpdate struct {
	node    *Object
	Updates map[string]DeltaKind
}

func newObjectUpdate(node *Object) *ObjectUpdate {
	return &ObjectUpdate{node: node, Updates: map[string]DeltaKind{}}
}

func (u *ObjectUpdate) Node() Node { return u.node }

func (u *ObjectUpdate) Merge(later StorageUpdate) {
	if o, ok := later.(*ObjectUpdate); ok {
		for k, kind := range o.Updates {
			u.Updates[k] = kind
		}
	}
}

// MapUpdate reports changed keys of a Map node.
type MapUpdate struct {
	node    *Map
	Updates map[string]DeltaKind
}

func newMapUpdate(node *Map) *MapUpdate {
	return &MapUpdate{node: node, Updates: map[string]DeltaKind{}}
}

func (u *MapUpdate) Node() Node { return u.node }

func (u *MapUpdate) Merge(later StorageUpdate) {
	if m, ok := later.(*MapUpdate); ok {
		for k, kind := range m.Updates {
			u.Updates[k] = kind
		}
	}
}

// ListDeltaKind tags an index-level change on a List node.
type ListDeltaKind string

const (
	ListInsert ListDeltaKind = "insert"
	ListMove   ListDeltaKind = "move"
	ListDelete ListDeltaKind = "delete"
)

// ListDelta is one index-tagged entry of a ListUpdate.
type ListDelta struct {
	Kind  ListDeltaKind
	Index int
	// Item is the affected value (unwrapped for registers); nil for deletes.
	Item any
	// PrevIndex is set for moves.
	PrevIndex int
}

// ListUpdate concatenates index-tagged entries for a List node.
type ListUpdate struct {
	node  *List
	Items []ListDelta
}

func newListUpdate(node *List, items ...ListDelta) *ListUpdate {
	return &ListUpdate{node: node, Items: items}
}

func (u *ListUpdate) Node() Node { return u.node }

func (u *ListUpdate) Merge(later StorageUpdate) {
	if l, ok := later.(*ListUpdate); ok {
		u.Items = append(u.Items, l.Items...)
	}
}
