package crdt

import (
	"errors"

	"github.com/collabkit/roomkit/internal/domain/model"
)

// ErrWriteDenied is returned by every storage mutation attempted while the
// session token only grants read and presence scopes.
var ErrWriteDenied = errors.New("crdt: storage is read-only for this session")

// Source tells a node how an op reached it.
type Source int

const (
	// SourceRemote is an op authored by another actor.
	SourceRemote Source = iota
	// SourceAck is the echo of an op this client already applied locally.
	SourceAck
	// SourceUndoRedoReconnect is a reliable local reapply: undo, redo, or
	// the post-reconnect resend of unacknowledged ops.
	SourceUndoRedoReconnect
)

// Node is one live cell of the document tree. The pool owns the id space;
// parents own attachment. Mutating methods exported on the concrete types
// (Set, Push, ...) are the host-facing write surface.
type Node interface {
	ID() string
	Kind() model.CrdtKind
	Parent() Node
	ParentKey() string

	setParent(parent Node, key string)
	setParentKey(key string)
	setID(id string)
	setPool(pl *Pool)
	pool() *Pool

	// apply handles UpdateObject and DeleteObjectKey ops targeted at this
	// node; other kinds return an empty result.
	apply(op model.Op, source Source) ApplyResult
	// attachChild integrates an already-built child under this node.
	attachChild(op model.CreateOp, child Node, source Source) ApplyResult
	// detachChild removes a direct child; the reverse recreates its subtree.
	detachChild(child Node) ApplyResult

	serialize() model.SerializedCrdt
	// creationOps recreates this subtree (current ids) under the given parent.
	creationOps(parentID, parentKey string) []model.Op
	// attachDeep registers a detached subtree: assigns ids, links the pool,
	// and returns the creation ops.
	attachDeep(pl *Pool, parent Node, key string) []model.Op
	// unregister removes this subtree from the pool registry.
	unregister()
}

// Interface guards
var (
	_ Node = (*Object)(nil)
	_ Node = (*List)(nil)
	_ Node = (*Map)(nil)
	_ Node = (*Register)(nil)
)

type base struct {
	id        string
	parent    Node
	parentKey string
	pl        *Pool
}

func (b *base) ID() string                        { return b.id }
func (b *base) Parent() Node                      { return b.parent }
func (b *base) ParentKey() string                 { return b.parentKey }
func (b *base) setParent(parent Node, key string) { b.parent, b.parentKey = parent, key }
func (b *base) setParentKey(key string)           { b.parentKey = key }
func (b *base) setID(id string)                   { b.id = id }
func (b *base) setPool(pl *Pool)                  { b.pl = pl }
func (b *base) pool() *Pool                       { return b.pl }

// ensureID assigns a pool id on first attach.
func (b *base) ensureID(pl *Pool) {
	if b.id == "" {
		b.id = pl.nextID()
	}
}

// asNode reports whether a host-supplied value is a live node.
func asNode(v any) (Node, bool) {
	n, ok := v.(Node)
	return n, ok
}

// wrapItem turns a host value into a node: live nodes pass through, scalars
// become registers.
func wrapItem(v any) Node {
	if n, ok := asNode(v); ok {
		return n
	}
	return NewRegister(v)
}

// unwrapItem is the read-side inverse: registers yield their value,
// containers yield themselves.
func unwrapItem(n Node) any {
	if r, ok := n.(*Register); ok {
		return r.Value()
	}
	return n
}
