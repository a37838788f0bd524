package room

import (
	"strconv"

	"github.com/collabkit/roomkit/internal/domain/crdt"
	"github.com/collabkit/roomkit/internal/domain/model"
)

// handleServerMsgLocked routes one decoded inbound message. Handlers never
// tear down the dispatcher: malformed content is logged and skipped, and
// emissions queue for delivery inside the host's update batcher.
func (r *Room) handleServerMsgLocked(msg model.ServerMsg) {
	switch m := msg.(type) {
	case model.UserJoinedMsg:
		r.handleUserJoinedLocked(m)
	case model.UpdatePresenceMsg:
		r.handleUpdatePresenceLocked(m)
	case model.BroadcastedEventMsg:
		ev := CustomEvent{ConnectionID: m.Actor, Event: m.Event}
		r.queueLocked(func() { r.bus.customEvent.emit(ev) })
	case model.UserLeftMsg:
		r.handleUserLeftLocked(m)
	case model.RoomStateMsg:
		r.handleRoomStateLocked(m)
	case model.InitialStorageStateMsg:
		r.handleInitialStorageLocked(m)
	case model.UpdateStorageMsg:
		updates := r.applyRemoteOpsLocked(m.Ops)
		r.emitStorageUpdatesLocked(updates)
	case model.RejectStorageOpMsg:
		r.handleRejectLocked(m)
	}
}

func (r *Room) handleUserJoinedLocked(m model.UserJoinedMsg) {
	entry := r.others.setConnection(m.Actor, m.ID, m.Info, model.IsScopesReadOnly(m.Scopes))

	// The joiner needs our full presence, addressed to them alone.
	r.buffer.messages = append(r.buffer.messages, model.NewPresenceFullMsg(r.me.Clone(), m.Actor))
	r.tryFlushingLocked()

	if entry.visible() {
		r.queueOthersEventLocked(OthersEnter, entry)
	}
}

func (r *Room) handleUpdatePresenceLocked(m model.UpdatePresenceMsg) {
	existing := r.others.get(m.Actor)
	wasVisible := existing != nil && existing.visible()

	var entry *otherEntry
	if m.TargetActor != nil {
		// Full keyframe: replace the cached presence wholesale.
		entry = r.others.setOther(m.Actor, m.Data)
	} else {
		entry = r.others.patchOther(m.Actor, m.Data)
	}

	if !entry.hasMeta {
		// Known but invisible: no connection metadata yet, so nothing to
		// announce. ROOM_STATE or USER_JOINED will complete the picture.
		return
	}
	switch {
	case !wasVisible && entry.visible():
		r.queueOthersEventLocked(OthersEnter, entry)
	case entry.visible():
		r.queueOthersEventLocked(OthersUpdate, entry)
	}
}

func (r *Room) handleUserLeftLocked(m model.UserLeftMsg) {
	entry := r.others.get(m.Actor)
	if entry == nil {
		return
	}
	wasVisible := entry.visible()
	user := entry.user()
	r.others.removeConnection(m.Actor)
	if wasVisible {
		others := r.others.visibleUsers()
		r.queueLocked(func() {
			r.bus.others.emit(OthersEvent{Type: OthersLeave, User: &user, Others: others})
		})
	}
}

// handleRoomStateLocked reconciles the peers collection against the
// server's authoritative roster: one reset event, no per-user churn.
func (r *Room) handleRoomStateLocked(m model.RoomStateMsg) {
	keep := map[int]bool{}
	for actorKey, u := range m.Users {
		actor, err := strconv.Atoi(actorKey)
		if err != nil {
			r.log.Warn("room state: bad actor key", "key", actorKey)
			continue
		}
		keep[actor] = true
		r.others.setConnection(actor, u.ID, u.Info, model.IsScopesReadOnly(u.Scopes))
	}
	r.others.retainOnly(keep)
	others := r.others.visibleUsers()
	r.queueLocked(func() {
		r.bus.others.emit(OthersEvent{Type: OthersReset, Others: others})
	})
}

// handleInitialStorageLocked builds or diffs the root, replays and resends
// any unacknowledged ops against the fresh baseline, seeds the configured
// defaults, and wakes GetStorage callers.
func (r *Room) handleInitialStorageLocked(m model.InitialStorageStateMsg) {
	snapshot := r.unackedOpsLocked()
	acc := newUpdateAccumulator()

	if !r.pool.HasRoot() {
		if _, err := r.pool.LoadRoot(m.Items); err != nil {
			iv := invariantViolation("initial storage: %v", err)
			r.log.Error("initial storage rejected", "error", err)
			r.queueLocked(func() { r.bus.err.emit(iv) })
			return
		}
	} else {
		for _, op := range r.pool.DiffRoot(m.Items) {
			res := r.pool.ApplyOp(op, crdt.SourceRemote)
			if res.Update != nil {
				acc.add(res.Update)
			}
		}
	}
	r.storageRequested = true

	if len(snapshot) > 0 {
		r.resendUnackedLocked(snapshot, acc)
	}

	if ops, updates := r.pool.SeedDefaults(r.opts.InitialStorage); len(ops) > 0 {
		for _, op := range ops {
			op.SetOpID(r.pool.NextOpID())
		}
		r.buffer.storageOps = append(r.buffer.storageOps, ops...)
		for _, u := range updates {
			acc.add(u)
		}
	}

	r.emitStorageUpdatesLocked(acc.list())
	if r.storageWaiter != nil {
		close(r.storageWaiter)
		r.storageWaiter = nil
	}
	if !r.storageLoadedOnce {
		r.storageLoadedOnce = true
		r.queueLocked(func() { r.bus.storageLoaded.emit(struct{}{}) })
	}
	r.refreshStorageStatusLocked()
	r.tryFlushingLocked()
}

func (r *Room) handleRejectLocked(m model.RejectStorageOpMsg) {
	rej := &StorageMutationRejectedError{OpIDs: m.OpIDs, Reason: m.Reason}
	r.log.Error("storage mutation rejected by server", "opIds", m.OpIDs, "reason", m.Reason)
	r.queueLocked(func() { r.bus.err.emit(rej) })
	if !r.opts.Production {
		// The replica has diverged and there is no repair path; fail fast
		// outside production.
		panic(rej)
	}
}

// applyRemoteOpsLocked walks inbound ops in order. An op whose id sits in
// the ledger is our own echo: it only clears the ledger entry. Everything
// else applies as remote, with updates coalesced per node and suppressed for
// nodes created within this same pass.
func (r *Room) applyRemoteOpsLocked(ops []model.Op) StorageUpdates {
	acc := newUpdateAccumulator()
	created := map[string]bool{}
	for _, op := range ops {
		if id := op.OpID(); id != "" {
			if _, ok := r.unacked[id]; ok {
				r.removeUnackedLocked(id)
				continue
			}
		}
		if op.Code() == model.OpAck {
			continue
		}
		res := r.pool.ApplyOp(op, crdt.SourceRemote)
		if res.Update == nil {
			continue
		}
		if c, ok := op.(model.CreateOp); ok {
			created[c.NodeID()] = true
		}
		if !updateSuppressed(res.Update.Node(), created) {
			acc.add(res.Update)
		}
	}
	r.refreshStorageStatusLocked()
	return acc.list()
}

// updateSuppressed reports whether the updated node or any of its ancestors
// was created in the current apply pass; the creation already carries the
// state.
func updateSuppressed(node crdt.Node, created map[string]bool) bool {
	for cur := node; cur != nil; cur = cur.Parent() {
		if created[cur.ID()] {
			return true
		}
	}
	return false
}

func (r *Room) emitStorageUpdatesLocked(updates StorageUpdates) {
	if len(updates) == 0 {
		return
	}
	if b := r.activeBatch; b != nil {
		for _, u := range updates {
			b.updates.add(u)
		}
		return
	}
	r.queueLocked(func() { r.bus.storage.emit(updates) })
}

func (r *Room) queueOthersEventLocked(kind OthersEventType, entry *otherEntry) {
	user := entry.user()
	others := r.others.visibleUsers()
	r.queueLocked(func() {
		r.bus.others.emit(OthersEvent{Type: kind, User: &user, Others: others})
	})
}
