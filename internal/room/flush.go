package room

import (
	"time"

	"github.com/collabkit/roomkit/internal/domain/crdt"
	"github.com/collabkit/roomkit/internal/domain/model"
)

// presenceBuffer is the pending outbound presence: either an accumulated
// patch or a full keyframe. Once full, later patches are subsumed.
type presenceBuffer struct {
	full bool
	data model.Presence
}

// outBuffer collects everything awaiting the next outbound frame.
type outBuffer struct {
	me         *presenceBuffer
	messages   []model.ClientMsg
	storageOps []model.Op
}

func (r *Room) bufferPresencePatchLocked(patch model.Presence) {
	if r.buffer.me == nil {
		r.buffer.me = &presenceBuffer{data: model.Presence{}}
	}
	if r.buffer.me.full {
		return
	}
	if r.buffer.me.data == nil {
		r.buffer.me.data = model.Presence{}
	}
	r.buffer.me.data.Merge(patch)
}

func (r *Room) queueFullPresenceLocked() {
	r.buffer.me = &presenceBuffer{full: true}
}

// tryFlushingLocked is the single exit of the outbound pipeline: it banks
// storage ops into the unacknowledged ledger, then either sends one frame or
// arms the throttle timer. At most one frame leaves per throttle interval.
func (r *Room) tryFlushingLocked() {
	for _, op := range r.buffer.storageOps {
		id := op.OpID()
		if _, dup := r.unacked[id]; !dup {
			r.unacked[id] = op
			r.unackedOrder = append(r.unackedOrder, id)
		}
	}
	r.refreshStorageStatusLocked()

	if r.connection.State != model.ConnectionOpen || r.channel == nil {
		// Ops stay in the ledger for the post-reconnect resend.
		r.buffer.storageOps = nil
		return
	}

	now := time.Now()
	elapsed := now.Sub(r.lastFlushTime)
	if elapsed >= r.opts.ThrottleDelay {
		r.flushNowLocked(now)
		return
	}
	if r.flushTimer == nil {
		r.flushTimer = time.AfterFunc(r.opts.ThrottleDelay-elapsed, r.flushTimerFired)
	}
}

func (r *Room) flushTimerFired() {
	r.mu.Lock()
	r.flushTimer = nil
	if r.connection.State == model.ConnectionOpen && r.channel != nil {
		r.flushNowLocked(time.Now())
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

// flushNowLocked composes the frame in fixed order: presence, queued
// messages, storage ops.
func (r *Room) flushNowLocked(now time.Time) {
	msgs := make([]model.ClientMsg, 0, 2+len(r.buffer.messages))
	if pb := r.buffer.me; pb != nil {
		if pb.full {
			msgs = append(msgs, model.NewPresenceFullMsg(r.me.Clone(), model.BroadcastTargetAll))
		} else if len(pb.data) > 0 {
			msgs = append(msgs, model.NewPresencePatchMsg(pb.data))
		}
	}
	msgs = append(msgs, r.buffer.messages...)
	if len(r.buffer.storageOps) > 0 {
		msgs = append(msgs, model.NewUpdateStorageMsg(r.buffer.storageOps))
	}
	if len(msgs) == 0 {
		return
	}
	r.sendFrameLocked(msgs)
	r.buffer = outBuffer{}
	r.lastFlushTime = now
}

func (r *Room) sendFrameLocked(msgs []model.ClientMsg) {
	if r.channel == nil {
		return
	}
	data, err := model.EncodeClientMsgs(msgs)
	if err != nil {
		r.log.Error("encode outbound frame", "error", err)
		return
	}
	if err := r.channel.Send(data); err != nil {
		r.log.Warn("channel send failed", "error", err)
	}
}

func (r *Room) clearFlushTimerLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
}

// unackedOpsLocked returns the ledger contents in production order.
func (r *Room) unackedOpsLocked() []model.Op {
	if len(r.unackedOrder) == 0 {
		return nil
	}
	ops := make([]model.Op, 0, len(r.unackedOrder))
	for _, id := range r.unackedOrder {
		ops = append(ops, r.unacked[id])
	}
	return ops
}

func (r *Room) removeUnackedLocked(id string) {
	if _, ok := r.unacked[id]; !ok {
		return
	}
	delete(r.unacked, id)
	for i, oid := range r.unackedOrder {
		if oid == id {
			r.unackedOrder = append(r.unackedOrder[:i], r.unackedOrder[i+1:]...)
			break
		}
	}
}

// resendUnackedLocked re-applies the snapshotted ledger ops locally and
// emits them as one UPDATE_STORAGE frame so the server integrates them
// against the fresh baseline.
func (r *Room) resendUnackedLocked(ops []model.Op, acc *updateAccumulator) {
	for _, op := range ops {
		res := r.pool.ApplyOp(op, crdt.SourceUndoRedoReconnect)
		if res.Update != nil {
			acc.add(res.Update)
		}
	}
	r.sendFrameLocked([]model.ClientMsg{model.NewUpdateStorageMsg(ops)})
}
