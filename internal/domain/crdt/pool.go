package crdt

import (
	"fmt"
	"slices"

	"github.com/collabkit/roomkit/internal/domain/model"
)

// LocalDispatch receives the ops, inverse ops and storage updates produced
// by a host-originated mutation. The room installs its batching pipeline
// here; a pool without a dispatcher swallows local ops (detached usage).
type LocalDispatch func(ops []model.Op, reverse []model.Op, updates []StorageUpdate)

// ApplyResult is what one op application reports back to the room.
type ApplyResult struct {
	// Update is nil when the op did not modify the replica.
	Update StorageUpdate
	// Reverse holds the inverse ops, in inverse execution order.
	Reverse []model.Op
}

// Pool is the arena of live nodes plus the per-connection clocks. Node and
// op ids are "<actor>:<counter>", unique within one session.
type Pool struct {
	actor    int
	clock    int
	opClock  int
	readOnly bool

	nodes   map[string]Node
	root    *Object
	onLocal LocalDispatch

	onEnter func()
	onExit  func()
}

func NewPool() *Pool {
	return &Pool{nodes: map[string]Node{}}
}

// SetSession installs the identity assigned by the token. Counters keep
// growing across reconnects within one pool; the actor prefix changes.
func (p *Pool) SetSession(actor int, readOnly bool) {
	p.actor = actor
	p.readOnly = readOnly
}

func (p *Pool) Actor() int { return p.actor }

// OnLocalMutation installs the dispatcher for host-originated ops.
func (p *Pool) OnLocalMutation(fn LocalDispatch) { p.onLocal = fn }

// SetMutationHooks brackets every host-facing node mutation. The room uses
// them to take its lock on entry and to release it and deliver notifications
// on exit. Internal apply paths never pass through them.
func (p *Pool) SetMutationHooks(enter, exit func()) {
	p.onEnter = enter
	p.onExit = exit
}

func (p *Pool) enter() {
	if p.onEnter != nil {
		p.onEnter()
	}
}

func (p *Pool) exit() {
	if p.onExit != nil {
		p.onExit()
	}
}

func (p *Pool) nextID() string {
	id := fmt.Sprintf("%d:%d", p.actor, p.clock)
	p.clock++
	return id
}

// NextOpID mints the id stamped on an op at dispatch time.
func (p *Pool) NextOpID() string {
	id := fmt.Sprintf("%d:%d", p.actor, p.opClock)
	p.opClock++
	return id
}

func (p *Pool) register(n Node) {
	n.setPool(p)
	p.nodes[n.ID()] = n
}

func (p *Pool) deregister(id string) {
	delete(p.nodes, id)
}

// GetNode returns the live node with the given id, or nil.
func (p *Pool) GetNode(id string) Node {
	return p.nodes[id]
}

// Root returns the document root, nil before the initial storage load.
func (p *Pool) Root() *Object { return p.root }

func (p *Pool) HasRoot() bool { return p.root != nil }

// Size reports the number of live nodes.
func (p *Pool) Size() int { return len(p.nodes) }

// AssertStorageIsWritable rejects storage mutations on read-only sessions.
func (p *Pool) AssertStorageIsWritable() error {
	if p.readOnly {
		return ErrWriteDenied
	}
	return nil
}

func (p *Pool) assertWritable() error { return p.AssertStorageIsWritable() }

func (p *Pool) dispatchLocal(ops []model.Op, reverse []model.Op, updates []StorageUpdate) {
	if p.onLocal != nil {
		p.onLocal(ops, reverse, updates)
	}
}

// ApplyOp routes one op to its node. Missing targets are no-ops: the op
// refers to a part of the tree this replica no longer has.
func (p *Pool) ApplyOp(op model.Op, source Source) ApplyResult {
	switch op := op.(type) {
	case *model.AckOp:
		return ApplyResult{}
	case *model.SetParentKeyOp:
		node := p.nodes[op.ID_]
		if node == nil {
			return ApplyResult{}
		}
		list, ok := node.Parent().(*List)
		if !ok {
			return ApplyResult{}
		}
		return list.setChildKey(op.ParentKey, node, source)
	case *model.DeleteCrdtOp:
		node := p.nodes[op.ID_]
		if node == nil || node.Parent() == nil {
			return ApplyResult{}
		}
		return node.Parent().detachChild(node)
	case *model.UpdateObjectOp:
		node := p.nodes[op.ID_]
		if node == nil {
			return ApplyResult{}
		}
		return node.apply(op, source)
	case *model.DeleteObjectKeyOp:
		node := p.nodes[op.ID_]
		if node == nil {
			return ApplyResult{}
		}
		return node.apply(op, source)
	case model.CreateOp:
		if _, exists := p.nodes[op.NodeID()]; exists {
			return ApplyResult{}
		}
		parentID, _ := op.Parent()
		parent := p.nodes[parentID]
		if parent == nil {
			return ApplyResult{}
		}
		return parent.attachChild(op, nodeFromCreateOp(op), source)
	}
	return ApplyResult{}
}

// SeedDefaults fills absent root keys from the configured initial storage.
// It mutates the tree directly, outside the host mutation hooks and without
// touching the local dispatcher, and returns the resulting ops and updates
// for the caller to ship and announce. Runs every time the initial state is
// (re)loaded.
func (p *Pool) SeedDefaults(defaults map[string]any) ([]model.Op, []StorageUpdate) {
	root := p.root
	if root == nil || len(defaults) == 0 {
		return nil, nil
	}
	var ops []model.Op
	scalars := map[string]any{}
	update := newObjectUpdate(root)
	for _, key := range sortedKeysAny(defaults) {
		if _, present := root.data[key]; present {
			continue
		}
		value := defaults[key]
		if child, ok := asNode(value); ok {
			ops = append(ops, child.attachDeep(p, root, key)...)
			root.data[key] = child
		} else {
			scalars[key] = value
			root.data[key] = value
		}
		update.Updates[key] = DeltaUpdate
	}
	if len(scalars) > 0 {
		ops = append([]model.Op{model.NewUpdateObjectOp(root.id, scalars)}, ops...)
	}
	if len(update.Updates) == 0 {
		return nil, nil
	}
	return ops, []StorageUpdate{update}
}

func sortedKeysAny(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func nodeFromCreateOp(op model.CreateOp) Node {
	var n Node
	switch op := op.(type) {
	case *model.CreateObjectOp:
		n = NewObject(op.Data)
	case *model.CreateListOp:
		n = NewList()
	case *model.CreateMapOp:
		n = NewMap(nil)
	case *model.CreateRegisterOp:
		n = NewRegister(op.Data)
	}
	n.setID(op.NodeID())
	return n
}
