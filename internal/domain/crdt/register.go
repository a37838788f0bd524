package crdt

import "github.com/collabkit/roomkit/internal/domain/model"

// Register is an immutable leaf holding one JSON value. Lists and maps wrap
// scalar items in registers so every child of a container is a node.
type Register struct {
	base
	value any
}

func NewRegister(value any) *Register {
	return &Register{value: value}
}

func (r *Register) Kind() model.CrdtKind { return model.CrdtRegister }

func (r *Register) Value() any { return r.value }

func (r *Register) apply(op model.Op, source Source) ApplyResult {
	return ApplyResult{}
}

func (r *Register) attachChild(op model.CreateOp, child Node, source Source) ApplyResult {
	return ApplyResult{}
}

func (r *Register) detachChild(child Node) ApplyResult {
	return ApplyResult{}
}

func (r *Register) serialize() model.SerializedCrdt {
	parentID, parentKey := "", ""
	if r.parent != nil {
		parentID, parentKey = r.parent.ID(), r.parentKey
	}
	return model.SerializedCrdt{
		Kind:      model.CrdtRegister,
		ParentID:  parentID,
		ParentKey: parentKey,
		Value:     r.value,
	}
}

func (r *Register) creationOps(parentID, parentKey string) []model.Op {
	return []model.Op{model.NewCreateRegisterOp(r.id, parentID, parentKey, r.value)}
}

func (r *Register) attachDeep(pl *Pool, parent Node, key string) []model.Op {
	r.ensureID(pl)
	r.setParent(parent, key)
	pl.register(r)
	return r.creationOps(parent.ID(), key)
}

func (r *Register) unregister() {
	if r.pl != nil {
		r.pl.deregister(r.id)
		r.pl = nil
	}
}
