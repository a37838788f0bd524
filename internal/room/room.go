// Package room implements the client-side runtime of one collaborative
// room: the connection state machine, the op-based storage replica with
// undo/redo, presence tracking for self and peers, and the throttled
// outbound pipeline.
//
// Concurrency model: all room state is guarded by one mutex. Host calls,
// timer callbacks and channel callbacks each take it for the duration of
// their mutation; subscriber notifications are delivered after the lock is
// released, wrapped in the host-supplied update batcher. Node reads
// (Get, ToArray, ...) are not synchronized; read them from subscription
// callbacks or the goroutine driving the room.
package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/collabkit/roomkit/internal/domain/crdt"
	"github.com/collabkit/roomkit/internal/domain/model"
)

const (
	// DefaultThrottle paces outbound frames when the host does not choose.
	DefaultThrottle = 100 * time.Millisecond
	minThrottle     = 16 * time.Millisecond
	maxThrottle     = time.Second

	heartbeatInterval = 30 * time.Second
	pongTimeout       = 2 * time.Second

	// CloseWithoutRetry ends the session for good: no reconnect attempt.
	CloseWithoutRetry = 4999

	maxUndoDepth = 50
)

var (
	retrySchedule     = []time.Duration{250, 500, 1000, 2000, 4000, 8000, 10000}
	slowRetrySchedule = []time.Duration{2000, 30000, 60000, 300000}
)

func init() {
	for i := range retrySchedule {
		retrySchedule[i] *= time.Millisecond
	}
	for i := range slowRetrySchedule {
		slowRetrySchedule[i] *= time.Millisecond
	}
}

// Channel is one live message channel to the coordination server.
type Channel interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// ChannelHandler receives channel events. Callbacks fire from the channel's
// reader goroutine; the room serializes them through its lock.
type ChannelHandler struct {
	OnMessage func(data []byte)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// ChannelDialer opens channels. A successful Dial returns an open channel.
type ChannelDialer interface {
	Dial(ctx context.Context, rawURL string, h ChannelHandler) (Channel, error)
}

// TokenProvider yields a parsed room token, however the host authenticates.
type TokenProvider interface {
	Authorize(ctx context.Context, roomID string) (*model.Token, error)
}

// Options configure one room instance.
type Options struct {
	RoomID        string
	ServerURL     string
	ClientVersion string

	// ThrottleDelay paces outbound frames; clamped to [16ms, 1s].
	ThrottleDelay   time.Duration
	InitialPresence model.Presence
	// InitialStorage seeds absent root keys after every initial-storage
	// load. Values may be detached Live nodes.
	InitialStorage map[string]any

	// BatchUpdates wraps every group of related notifications so UI
	// frameworks can coalesce renders. Defaults to a pass-through.
	BatchUpdates func(func())

	// Production downgrades server-side op rejections from panic to log.
	Production bool

	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.ThrottleDelay == 0 {
		o.ThrottleDelay = DefaultThrottle
	}
	o.ThrottleDelay = min(max(o.ThrottleDelay, minThrottle), maxThrottle)
	if o.BatchUpdates == nil {
		o.BatchUpdates = func(fn func()) { fn() }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "dev"
	}
}

// Room is the public facade of one collaborative room session.
type Room struct {
	mu   sync.Mutex
	log  *slog.Logger
	opts Options

	auth   TokenProvider
	dialer ChannelDialer

	connection model.Connection
	token      *model.Token
	channel    Channel
	channelSeq int
	retryCount int
	slowRetry  bool

	lastConnectionID *int

	reconnectTimer *time.Timer
	heartbeatTimer *time.Timer
	pongTimer      *time.Timer
	flushTimer     *time.Timer

	me     model.Presence
	others *othersStore

	pool              *crdt.Pool
	storageRequested  bool
	storageLoadedOnce bool
	storageStatus     model.StorageStatus
	storageWaiter     chan struct{}

	activeBatch   *activeBatch
	undoStack     []historyBatch
	redoStack     []historyBatch
	pausedHistory historyBatch
	historyPaused bool
	historyState  HistoryState

	buffer        outBuffer
	unacked       map[string]model.Op
	unackedOrder  []string
	lastFlushTime time.Time

	bus     bus
	pending []func()
}

// New builds a room in the closed state. Call Connect to join.
func New(opts Options, auth TokenProvider, dialer ChannelDialer) *Room {
	opts.withDefaults()
	r := &Room{
		log:           opts.Logger.With("room", opts.RoomID),
		opts:          opts,
		auth:          auth,
		dialer:        dialer,
		connection:    model.Connection{State: model.ConnectionClosed},
		me:            opts.InitialPresence.Clone(),
		others:        newOthersStore(),
		pool:          crdt.NewPool(),
		storageStatus: model.StorageNotLoaded,
		unacked:       map[string]model.Op{},
	}
	if r.me == nil {
		r.me = model.Presence{}
	}
	// First flush after connect carries the initial full keyframe.
	r.buffer.me = &presenceBuffer{full: true}
	r.pool.OnLocalMutation(r.onLocalMutation)
	r.pool.SetMutationHooks(r.poolEnter, r.poolExit)
	return r
}

// ID returns the room id.
func (r *Room) ID() string { return r.opts.RoomID }

// Connection returns a snapshot of the session state.
func (r *Room) Connection() model.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connection
}

// Actor returns the connection id assigned by the token, or -1 before the
// session is self-aware.
func (r *Room) Actor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connection.SelfAware() {
		return -1
	}
	return r.connection.Actor
}

// Presence returns a read snapshot of the local user's presence.
func (r *Room) Presence() model.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.me.Clone()
}

// Others returns the visible peers: those with both connection metadata and
// presence known.
func (r *Room) Others() []model.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.others.visibleUsers()
}

// PendingOps reports the number of unacknowledged storage ops.
func (r *Room) PendingOps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unacked)
}

// StorageStatus returns the derived 4-valued loading state.
func (r *Room) StorageStatus() model.StorageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storageStatus
}

// GetStorageSnapshot returns the root if loaded, and otherwise kicks off
// loading and returns nil.
func (r *Room) GetStorageSnapshot() *crdt.Object {
	r.mu.Lock()
	root := r.pool.Root()
	if root == nil {
		r.startLoadingLocked()
	}
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
	return root
}

// GetStorage returns the document root, waiting for the initial storage
// state if it has not arrived yet. The only suspending call on the room.
func (r *Room) GetStorage(ctx context.Context) (*crdt.Object, error) {
	r.mu.Lock()
	if root := r.pool.Root(); root != nil {
		r.mu.Unlock()
		return root, nil
	}
	r.startLoadingLocked()
	if r.storageWaiter == nil {
		r.storageWaiter = make(chan struct{})
	}
	waiter := r.storageWaiter
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-waiter:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool.Root(), nil
}

// startLoadingLocked marks storage as requested and asks the server for the
// snapshot if the channel is up; otherwise the request is replayed on open.
func (r *Room) startLoadingLocked() {
	if r.storageRequested {
		return
	}
	r.storageRequested = true
	if r.connection.State == model.ConnectionOpen {
		r.buffer.messages = append(r.buffer.messages, model.NewFetchStorageMsg())
		r.tryFlushingLocked()
	}
	r.refreshStorageStatusLocked()
}

// refreshStorageStatusLocked recomputes the derived status and emits iff it
// changed.
func (r *Room) refreshStorageStatusLocked() {
	status := model.StorageNotLoaded
	switch {
	case r.pool.HasRoot() && len(r.unacked) > 0:
		status = model.StorageSynchronizing
	case r.pool.HasRoot():
		status = model.StorageSynchronized
	case r.storageRequested:
		status = model.StorageLoading
	}
	if status == r.storageStatus {
		return
	}
	r.storageStatus = status
	r.queueLocked(func() { r.bus.storageStatus.emit(status) })
}

// UpdatePresence shallow-merges the patch into the local presence and
// schedules it for broadcast.
func (r *Room) UpdatePresence(patch model.Presence, opts ...PresenceOption) {
	var cfg presenceConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	r.mu.Lock()
	r.updatePresenceLocked(patch, cfg.addToHistory)
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}

// PresenceOption configures UpdatePresence.
type PresenceOption func(*presenceConfig)

type presenceConfig struct {
	addToHistory bool
}

// WithAddToHistory records the presence change on the undo stack.
func WithAddToHistory() PresenceOption {
	return func(c *presenceConfig) { c.addToHistory = true }
}

func (r *Room) updatePresenceLocked(patch model.Presence, addToHistory bool) {
	if len(patch) == 0 {
		return
	}
	// Prior values of exactly the keys present in the patch form the
	// reverse delta.
	prior := model.Presence{}
	for k := range patch {
		prior[k] = r.me[k]
	}
	r.me.Merge(patch)
	r.bufferPresencePatchLocked(patch)

	if r.activeBatch != nil {
		r.activeBatch.presence = true
		r.activeBatch.reverse = append(historyBatch{presenceItem(prior)}, r.activeBatch.reverse...)
		return
	}
	if addToHistory {
		r.pushUndoLocked(historyBatch{presenceItem(prior)})
		r.emitHistoryLocked()
	}
	me := r.me.Clone()
	r.queueLocked(func() { r.bus.myPresence.emit(me) })
	r.tryFlushingLocked()
}

// Broadcast sends a custom event to every peer. Events are dropped silently
// when the channel is down unless WithQueueIfNotReady is given.
func (r *Room) Broadcast(event any, opts ...BroadcastOption) error {
	var cfg broadcastConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.connection.State != model.ConnectionOpen && !cfg.queueIfNotReady {
		r.mu.Unlock()
		return nil
	}
	r.buffer.messages = append(r.buffer.messages, model.NewBroadcastEventMsg(payload))
	r.tryFlushingLocked()
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
	return nil
}

// BroadcastOption configures Broadcast.
type BroadcastOption func(*broadcastConfig)

type broadcastConfig struct {
	queueIfNotReady bool
}

// WithQueueIfNotReady buffers the event until the channel is open instead of
// dropping it.
func WithQueueIfNotReady() BroadcastOption {
	return func(c *broadcastConfig) { c.queueIfNotReady = true }
}

// Subscriptions. Each returns an unsubscribe function.

func (r *Room) SubscribeConnection(fn func(model.Connection)) func() {
	return r.bus.connection.subscribe(fn)
}

func (r *Room) SubscribeError(fn func(error)) func() {
	return r.bus.err.subscribe(fn)
}

func (r *Room) SubscribeMyPresence(fn func(model.Presence)) func() {
	return r.bus.myPresence.subscribe(fn)
}

func (r *Room) SubscribeOthers(fn func(OthersEvent)) func() {
	return r.bus.others.subscribe(fn)
}

func (r *Room) SubscribeEvent(fn func(CustomEvent)) func() {
	return r.bus.customEvent.subscribe(fn)
}

func (r *Room) SubscribeStorageStatus(fn func(model.StorageStatus)) func() {
	return r.bus.storageStatus.subscribe(fn)
}

func (r *Room) SubscribeStorageLoaded(fn func()) func() {
	return r.bus.storageLoaded.subscribe(func(struct{}) { fn() })
}

func (r *Room) SubscribeHistory(fn func(HistoryState)) func() {
	return r.bus.history.subscribe(fn)
}

// SubscribeStorage observes updates touching the given node. The deep
// variant also fires for updates on any descendant of the node.
func (r *Room) SubscribeStorage(node crdt.Node, fn func(StorageUpdates), deep bool) func() {
	return r.bus.storage.subscribe(func(updates StorageUpdates) {
		var scoped StorageUpdates
		for _, u := range updates {
			if u.Node() == node || (deep && isAncestor(node, u.Node())) {
				scoped = append(scoped, u)
			}
		}
		if len(scoped) > 0 {
			fn(scoped)
		}
	})
}

// SubscribeStorageAny observes every storage update emission.
func (r *Room) SubscribeStorageAny(fn func(StorageUpdates)) func() {
	return r.bus.storage.subscribe(fn)
}

func isAncestor(ancestor, node crdt.Node) bool {
	for cur := node; cur != nil; cur = cur.Parent() {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// Notification plumbing. Work performed under the lock queues emissions;
// they are delivered after unlock inside the host's update batcher, so
// subscriber callbacks may call back into the room.

func (r *Room) queueLocked(fn func()) {
	r.pending = append(r.pending, fn)
}

func (r *Room) takePendingLocked() []func() {
	fns := r.pending
	r.pending = nil
	return fns
}

func (r *Room) deliver(fns []func()) {
	if len(fns) == 0 {
		return
	}
	r.opts.BatchUpdates(func() {
		for _, fn := range fns {
			fn()
		}
	})
}

func (r *Room) poolEnter() {
	r.mu.Lock()
}

func (r *Room) poolExit() {
	fns := r.takePendingLocked()
	r.mu.Unlock()
	r.deliver(fns)
}
