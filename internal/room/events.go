package room

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/collabkit/roomkit/internal/domain/crdt"
	"github.com/collabkit/roomkit/internal/domain/model"
)

// OthersEventType tags changes to the others collection.
type OthersEventType string

const (
	OthersEnter  OthersEventType = "enter"
	OthersLeave  OthersEventType = "leave"
	OthersUpdate OthersEventType = "update"
	OthersReset  OthersEventType = "reset"
)

// OthersEvent carries one change to the peers collection plus the snapshot
// after the change.
type OthersEvent struct {
	Type   OthersEventType
	User   *model.User
	Others []model.User
}

// CustomEvent is a peer broadcast relayed by the server.
type CustomEvent struct {
	ConnectionID int
	Event        json.RawMessage
}

// StorageUpdates is one observer emission: the merged per-node updates of a
// single apply pass or batch.
type StorageUpdates []crdt.StorageUpdate

// eventChannel is one named channel of the observable bus. Subscribers are
// keyed so unsubscribe is O(1); emission order across subscribers is
// unspecified, emission order across events follows processing order.
type eventChannel[T any] struct {
	mu   sync.Mutex
	subs map[uuid.UUID]func(T)
}

func (c *eventChannel[T]) subscribe(fn func(T)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		c.subs = map[uuid.UUID]func(T){}
	}
	id := uuid.New()
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *eventChannel[T]) emit(v T) {
	c.mu.Lock()
	fns := make([]func(T), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (c *eventChannel[T]) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = nil
}

// bus groups the room's named event channels.
type bus struct {
	connection    eventChannel[model.Connection]
	err           eventChannel[error]
	myPresence    eventChannel[model.Presence]
	others        eventChannel[OthersEvent]
	customEvent   eventChannel[CustomEvent]
	storage       eventChannel[StorageUpdates]
	storageStatus eventChannel[model.StorageStatus]
	storageLoaded eventChannel[struct{}]
	history       eventChannel[HistoryState]
}

func (b *bus) clear() {
	b.connection.clear()
	b.err.clear()
	b.myPresence.clear()
	b.others.clear()
	b.customEvent.clear()
	b.storage.clear()
	b.storageStatus.clear()
	b.storageLoaded.clear()
	b.history.clear()
}

// HistoryState reports undo/redo availability after each history mutation.
type HistoryState struct {
	CanUndo bool
	CanRedo bool
}
