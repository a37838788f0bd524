package room

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/collabkit/roomkit/internal/domain/model"
)

var tracer = otel.Tracer("github.com/collabkit/roomkit/internal/room")

const connectAttemptTimeout = 10 * time.Second

// Connect joins the room: authenticate, open the channel, go live. A cached
// unexpired token short-circuits the auth endpoint.
func (r *Room) Connect() {
	r.mu.Lock()
	r.connectLocked()
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

func (r *Room) connectLocked() {
	switch r.connection.State {
	case model.ConnectionAuthenticating, model.ConnectionConnecting, model.ConnectionOpen:
		return
	}
	r.clearReconnectTimerLocked()

	if r.token != nil && !r.token.Expired(time.Now()) {
		r.startConnectingLocked()
		return
	}
	r.token = nil
	r.setStateLocked(model.Connection{State: model.ConnectionAuthenticating})
	go r.authenticate(r.channelSeq)
}

func (r *Room) authenticate(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), connectAttemptTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "room.authenticate")
	tok, err := r.auth.Authorize(ctx, r.opts.RoomID)
	span.End()

	r.mu.Lock()
	if gen != r.channelSeq || r.connection.State != model.ConnectionAuthenticating {
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.log.Warn("authentication failed", "error", err)
		authErr := &AuthenticationError{Cause: err}
		r.queueLocked(func() { r.bus.err.emit(authErr) })
		r.setStateLocked(model.Connection{State: model.ConnectionUnavailable})
		r.scheduleReconnectLocked()
	} else {
		r.token = tok
		r.startConnectingLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

func (r *Room) startConnectingLocked() {
	tok := r.token
	r.setStateLocked(model.Connection{
		State:      model.ConnectionConnecting,
		Actor:      tok.Actor,
		UserID:     tok.ID,
		UserInfo:   tok.Info,
		IsReadOnly: tok.IsReadOnly(),
	})
	r.pool.SetSession(tok.Actor, tok.IsReadOnly())
	go r.dial(r.channelSeq, tok.Raw)
}

func (r *Room) dial(gen int, rawToken string) {
	endpoint := fmt.Sprintf("%s/?token=%s&version=%s",
		strings.TrimRight(r.opts.ServerURL, "/"),
		url.QueryEscape(rawToken),
		url.QueryEscape(r.opts.ClientVersion))

	handler := ChannelHandler{
		OnMessage: func(data []byte) { r.onChannelMessage(gen, data) },
		OnClose:   func(code int, reason string) { r.onChannelClose(gen, code, reason) },
		OnError:   func(err error) { r.log.Warn("channel error", "error", err) },
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectAttemptTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "room.connect")
	ch, err := r.dialer.Dial(ctx, endpoint, handler)
	span.End()

	r.mu.Lock()
	if gen != r.channelSeq || r.connection.State != model.ConnectionConnecting {
		r.mu.Unlock()
		if ch != nil {
			ch.Close(1000, "stale connection attempt")
		}
		return
	}
	if err != nil {
		r.log.Warn("channel dial failed", "error", err)
		r.setStateLocked(model.Connection{State: model.ConnectionUnavailable})
		r.scheduleReconnectLocked()
	} else {
		r.channel = ch
		r.enterOpenLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

// enterOpenLocked runs the open-entry protocol: reset retries, start the
// heartbeat, re-key presence on reconnection, and resync storage if a root
// is already held.
func (r *Room) enterOpenLocked() {
	conn := r.connection
	conn.State = model.ConnectionOpen
	r.setStateLocked(conn)
	r.retryCount = 0
	r.slowRetry = false
	r.armHeartbeatLocked()

	if r.lastConnectionID != nil {
		r.queueFullPresenceLocked()
	}
	actor := conn.Actor
	r.lastConnectionID = &actor

	if r.pool.HasRoot() || r.storageRequested {
		r.buffer.messages = append(r.buffer.messages, model.NewFetchStorageMsg())
	}
	r.tryFlushingLocked()
}

// setStateLocked records the transition and emits it. Entering any non-open
// state clears the peers collection.
func (r *Room) setStateLocked(conn model.Connection) {
	prev := r.connection
	r.connection = conn
	if conn.State != model.ConnectionOpen {
		had := len(r.others.entries) > 0
		r.others.clear()
		if had || prev.State == model.ConnectionOpen {
			r.queueLocked(func() { r.bus.others.emit(OthersEvent{Type: OthersReset}) })
		}
	}
	r.queueLocked(func() { r.bus.connection.emit(conn) })
}

// Heartbeat: one ping every interval, a short pong deadline after each.

func (r *Room) armHeartbeatLocked() {
	r.clearHeartbeatLocked()
	r.heartbeatTimer = time.AfterFunc(heartbeatInterval, r.heartbeatFired)
}

func (r *Room) heartbeatFired() {
	r.mu.Lock()
	if r.connection.State == model.ConnectionOpen && r.channel != nil {
		r.sendHeartbeatLocked()
		r.armHeartbeatLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

func (r *Room) sendHeartbeatLocked() {
	if r.channel == nil {
		return
	}
	if err := r.channel.Send([]byte("ping")); err != nil {
		r.log.Warn("heartbeat send failed", "error", err)
		return
	}
	if r.pongTimer == nil {
		r.pongTimer = time.AfterFunc(pongTimeout, r.pongTimeoutFired)
	}
}

func (r *Room) pongTimeoutFired() {
	r.mu.Lock()
	r.pongTimer = nil
	if r.connection.State == model.ConnectionOpen {
		r.log.Warn("pong timeout, reconnecting")
		r.teardownChannelLocked(1000, "pong timeout")
		r.setStateLocked(model.Connection{State: model.ConnectionUnavailable})
		r.scheduleReconnectLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

func (r *Room) clearHeartbeatLocked() {
	if r.heartbeatTimer != nil {
		r.heartbeatTimer.Stop()
		r.heartbeatTimer = nil
	}
}

func (r *Room) clearPongTimerLocked() {
	if r.pongTimer != nil {
		r.pongTimer.Stop()
		r.pongTimer = nil
	}
}

// Channel callbacks. The generation guard drops events from channels torn
// down by a newer attempt.

func (r *Room) onChannelMessage(gen int, data []byte) {
	r.mu.Lock()
	if gen != r.channelSeq {
		r.mu.Unlock()
		return
	}
	if string(data) == "pong" {
		r.clearPongTimerLocked()
		r.mu.Unlock()
		return
	}
	for _, msg := range model.DecodeServerFrame(data) {
		r.handleServerMsgLocked(msg)
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

func (r *Room) onChannelClose(gen int, code int, reason string) {
	r.mu.Lock()
	if gen != r.channelSeq {
		r.mu.Unlock()
		return
	}
	r.channelSeq++
	r.channel = nil
	r.clearHeartbeatLocked()
	r.clearPongTimerLocked()
	r.clearFlushTimerLocked()
	// In-flight storage ops survive only in the ledger; the resync after
	// reconnect re-emits them.
	r.buffer.storageOps = nil

	switch {
	case code == CloseWithoutRetry:
		r.log.Info("session ended by server", "code", code, "reason", reason)
		r.setStateLocked(model.Connection{State: model.ConnectionClosed})
	case code >= 4000 && code <= 4100:
		roomErr := &RoomError{Code: code, Reason: reason}
		r.log.Error("connection rejected", "code", code, "reason", reason)
		r.setStateLocked(model.Connection{State: model.ConnectionFailed})
		r.queueLocked(func() { r.bus.err.emit(roomErr) })
		r.setStateLocked(model.Connection{State: model.ConnectionUnavailable})
		r.slowRetry = true
		r.scheduleReconnectLocked()
	default:
		r.log.Warn("channel closed", "code", code, "reason", reason)
		r.setStateLocked(model.Connection{State: model.ConnectionUnavailable})
		r.scheduleReconnectLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

// Reconnect backoff.

func (r *Room) scheduleReconnectLocked() {
	schedule := retrySchedule
	if r.slowRetry {
		schedule = slowRetrySchedule
	}
	delay := schedule[min(r.retryCount, len(schedule)-1)]
	r.retryCount++
	r.clearReconnectTimerLocked()
	r.reconnectTimer = time.AfterFunc(delay, r.reconnectFired)
	r.log.Debug("reconnect scheduled", "delay", delay, "attempt", r.retryCount)
}

func (r *Room) reconnectFired() {
	r.mu.Lock()
	r.reconnectTimer = nil
	if r.connection.State == model.ConnectionUnavailable {
		r.connectLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

func (r *Room) clearReconnectTimerLocked() {
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
}

// teardownChannelLocked closes the current channel and invalidates its
// callbacks.
func (r *Room) teardownChannelLocked(code int, reason string) {
	r.channelSeq++
	r.clearHeartbeatLocked()
	r.clearPongTimerLocked()
	r.clearFlushTimerLocked()
	r.buffer.storageOps = nil
	if ch := r.channel; ch != nil {
		r.channel = nil
		go ch.Close(code, reason)
	}
}

// Reconnect tears down the current channel and pending timers, then
// re-enters the state machine. Idempotent.
func (r *Room) Reconnect() {
	r.mu.Lock()
	r.teardownChannelLocked(1000, "reconnect requested")
	r.clearReconnectTimerLocked()
	r.setStateLocked(model.Connection{State: model.ConnectionUnavailable})
	r.connectLocked()
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

// Disconnect is a hard stop: close the channel, clear every timer and peer,
// then drop all subscribers.
func (r *Room) Disconnect() {
	r.mu.Lock()
	r.teardownChannelLocked(1000, "client disconnect")
	r.clearReconnectTimerLocked()
	r.setStateLocked(model.Connection{State: model.ConnectionClosed})
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
	r.bus.clear()
}

// NotifyVisibility tells the room the host became visible; a live session
// probes the channel right away.
func (r *Room) NotifyVisibility(visible bool) {
	r.mu.Lock()
	if visible && r.connection.State == model.ConnectionOpen {
		r.sendHeartbeatLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

// NotifyNetworkOnline short-circuits the backoff timer after a connectivity
// change.
func (r *Room) NotifyNetworkOnline() {
	r.mu.Lock()
	if r.connection.State == model.ConnectionUnavailable {
		r.clearReconnectTimerLocked()
		r.connectLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}
