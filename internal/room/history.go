package room

import (
	"github.com/collabkit/roomkit/internal/domain/crdt"
	"github.com/collabkit/roomkit/internal/domain/model"
)

// historyItem is one entry of an undo/redo batch: either a storage op or a
// partial presence delta.
type historyItem struct {
	op       model.Op
	presence model.Presence
}

func opItem(op model.Op) historyItem            { return historyItem{op: op} }
func presenceItem(p model.Presence) historyItem { return historyItem{presence: p} }

func (h historyItem) isPresence() bool { return h.presence != nil }

// historyBatch is one undoable unit. Items are kept in inverse execution
// order: replaying front to back undoes the original mutations newest-first.
type historyBatch []historyItem

// activeBatch accumulates everything produced while a host batch runs.
type activeBatch struct {
	ops      []model.Op
	reverse  historyBatch
	updates  *updateAccumulator
	presence bool
}

// updateAccumulator coalesces storage updates per node, preserving the
// order in which nodes were first touched.
type updateAccumulator struct {
	order  []string
	byNode map[string]crdt.StorageUpdate
}

func newUpdateAccumulator() *updateAccumulator {
	return &updateAccumulator{byNode: map[string]crdt.StorageUpdate{}}
}

func (a *updateAccumulator) add(u crdt.StorageUpdate) {
	id := u.Node().ID()
	if prev, ok := a.byNode[id]; ok {
		prev.Merge(u)
		return
	}
	a.byNode[id] = u
	a.order = append(a.order, id)
}

func (a *updateAccumulator) list() StorageUpdates {
	if len(a.order) == 0 {
		return nil
	}
	out := make(StorageUpdates, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.byNode[id])
	}
	return out
}

// Batch runs fn with an active batch: mutations inside it commit atomically
// to observers, history and the wire. Nested batches fold into the
// outermost one.
func (r *Room) Batch(fn func()) {
	r.mu.Lock()
	if r.activeBatch != nil {
		r.mu.Unlock()
		fn()
		return
	}
	r.activeBatch = &activeBatch{updates: newUpdateAccumulator()}
	r.mu.Unlock()

	fn()

	r.mu.Lock()
	b := r.activeBatch
	r.activeBatch = nil
	if len(b.reverse) > 0 {
		r.pushUndoLocked(b.reverse)
	}
	if len(b.ops) > 0 {
		r.redoStack = nil
		r.buffer.storageOps = append(r.buffer.storageOps, b.ops...)
	}
	if updates := b.updates.list(); len(updates) > 0 {
		r.queueLocked(func() { r.bus.storage.emit(updates) })
	}
	if b.presence {
		me := r.me.Clone()
		r.queueLocked(func() { r.bus.myPresence.emit(me) })
	}
	r.emitHistoryLocked()
	r.tryFlushingLocked()
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

// onLocalMutation is the pool's dispatcher for host-originated ops. It runs
// with the room lock held (the node mutators take it via the pool hooks).
func (r *Room) onLocalMutation(ops []model.Op, reverse []model.Op, updates []crdt.StorageUpdate) {
	for _, op := range ops {
		if op.OpID() == "" {
			op.SetOpID(r.pool.NextOpID())
		}
	}
	revItems := make(historyBatch, len(reverse))
	for i, op := range reverse {
		revItems[i] = opItem(op)
	}

	if b := r.activeBatch; b != nil {
		b.ops = append(b.ops, ops...)
		b.reverse = append(revItems, b.reverse...)
		for _, u := range updates {
			b.updates.add(u)
		}
		return
	}

	if len(revItems) > 0 {
		r.pushUndoLocked(revItems)
	}
	if len(ops) > 0 {
		r.redoStack = nil
		r.buffer.storageOps = append(r.buffer.storageOps, ops...)
	}
	if len(updates) > 0 {
		emitted := StorageUpdates(updates)
		r.queueLocked(func() { r.bus.storage.emit(emitted) })
	}
	r.emitHistoryLocked()
	r.tryFlushingLocked()
}

// pushUndoLocked records one undoable unit, honoring paused history and the
// stack depth bound.
func (r *Room) pushUndoLocked(batch historyBatch) {
	if r.historyPaused {
		r.pausedHistory = append(batch, r.pausedHistory...)
		return
	}
	r.undoStack = append(r.undoStack, batch)
	if len(r.undoStack) > maxUndoDepth {
		r.undoStack = r.undoStack[len(r.undoStack)-maxUndoDepth:]
	}
}

// Undo replays the most recent undoable unit in reverse and moves its
// inverse onto the redo stack. Calling it while a batch is active is an
// invariant violation.
func (r *Room) Undo() error {
	r.mu.Lock()
	if r.activeBatch != nil {
		r.mu.Unlock()
		return invariantViolation("undo is not allowed during a batch")
	}
	if len(r.undoStack) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.undoStack[len(r.undoStack)-1]
	r.undoStack = r.undoStack[:len(r.undoStack)-1]

	inverse := r.applyHistoryBatchLocked(batch)
	r.redoStack = append(r.redoStack, inverse)
	r.emitHistoryLocked()
	r.tryFlushingLocked()
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
	return nil
}

// Redo replays the most recent undone unit and moves its inverse back onto
// the undo stack.
func (r *Room) Redo() error {
	r.mu.Lock()
	if r.activeBatch != nil {
		r.mu.Unlock()
		return invariantViolation("redo is not allowed during a batch")
	}
	if len(r.redoStack) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.redoStack[len(r.redoStack)-1]
	r.redoStack = r.redoStack[:len(r.redoStack)-1]

	inverse := r.applyHistoryBatchLocked(batch)
	r.undoStack = append(r.undoStack, inverse)
	if len(r.undoStack) > maxUndoDepth {
		r.undoStack = r.undoStack[len(r.undoStack)-maxUndoDepth:]
	}
	r.emitHistoryLocked()
	r.tryFlushingLocked()
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
	return nil
}

// applyHistoryBatchLocked replays one history batch as a reliable local
// reapply, queues the resulting ops for sending, emits the merged updates,
// and returns the inverse batch.
func (r *Room) applyHistoryBatchLocked(batch historyBatch) historyBatch {
	acc := newUpdateAccumulator()
	var inverse historyBatch
	var sendOps []model.Op
	presenceChanged := false

	for _, item := range batch {
		if item.isPresence() {
			prior := model.Presence{}
			for k := range item.presence {
				prior[k] = r.me[k]
			}
			r.me.Merge(item.presence)
			r.bufferPresencePatchLocked(item.presence)
			inverse = append(historyBatch{presenceItem(prior)}, inverse...)
			presenceChanged = true
			continue
		}

		op := item.op
		if op.OpID() == "" {
			op.SetOpID(r.pool.NextOpID())
		}
		res := r.pool.ApplyOp(op, crdt.SourceUndoRedoReconnect)
		sendOps = append(sendOps, op)
		if res.Update != nil {
			acc.add(res.Update)
		}
		if len(res.Reverse) > 0 {
			group := make(historyBatch, len(res.Reverse))
			for i, rop := range res.Reverse {
				group[i] = opItem(rop)
			}
			inverse = append(group, inverse...)
		}
	}

	if len(sendOps) > 0 {
		r.buffer.storageOps = append(r.buffer.storageOps, sendOps...)
	}
	if updates := acc.list(); len(updates) > 0 {
		r.queueLocked(func() { r.bus.storage.emit(updates) })
	}
	if presenceChanged {
		me := r.me.Clone()
		r.queueLocked(func() { r.bus.myPresence.emit(me) })
	}
	return inverse
}

// CanUndo reports whether the undo stack is non-empty.
func (r *Room) CanUndo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.undoStack) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (r *Room) CanRedo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.redoStack) > 0
}

// PauseHistory diverts subsequent undoable units into a side buffer.
func (r *Room) PauseHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.historyPaused {
		return
	}
	r.historyPaused = true
	r.pausedHistory = nil
}

// ResumeHistory coalesces everything recorded since PauseHistory into a
// single undoable unit.
func (r *Room) ResumeHistory() {
	r.mu.Lock()
	if !r.historyPaused {
		r.mu.Unlock()
		return
	}
	r.historyPaused = false
	if len(r.pausedHistory) > 0 {
		r.pushUndoLocked(r.pausedHistory)
		r.pausedHistory = nil
	}
	r.emitHistoryLocked()
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

func (r *Room) emitHistoryLocked() {
	state := HistoryState{CanUndo: len(r.undoStack) > 0, CanRedo: len(r.redoStack) > 0}
	if state == r.historyState {
		return
	}
	r.historyState = state
	r.queueLocked(func() { r.bus.history.emit(state) })
}
