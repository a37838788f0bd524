package room

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/collabkit/roomkit/internal/domain/model"
)

// otherEntry is everything known about one peer connection. A peer is
// visible to the host only once both the connection metadata (USER_JOINED /
// ROOM_STATE) and a presence snapshot have arrived.
type otherEntry struct {
	connectionID int
	userID       string
	userInfo     json.RawMessage
	isReadOnly   bool
	hasMeta      bool

	presence    model.Presence
	hasPresence bool
}

func (e *otherEntry) visible() bool { return e.hasMeta && e.hasPresence }

func (e *otherEntry) user() model.User {
	return model.User{
		ConnectionID: e.connectionID,
		ID:           e.userID,
		Info:         e.userInfo,
		IsReadOnly:   e.isReadOnly,
		Presence:     e.presence.Clone(),
	}
}

// othersStore tracks peers keyed by actor id and caches the visible
// projection; every mutation invalidates the cache.
type othersStore struct {
	entries map[int]*otherEntry
	cached  []model.User
}

func newOthersStore() *othersStore {
	return &othersStore{entries: map[int]*otherEntry{}}
}

func (s *othersStore) get(actor int) *otherEntry {
	return s.entries[actor]
}

func (s *othersStore) ensure(actor int) *otherEntry {
	e, ok := s.entries[actor]
	if !ok {
		e = &otherEntry{connectionID: actor}
		s.entries[actor] = e
	}
	return e
}

func (s *othersStore) setConnection(actor int, userID string, userInfo json.RawMessage, isReadOnly bool) *otherEntry {
	e := s.ensure(actor)
	e.userID = userID
	e.userInfo = userInfo
	e.isReadOnly = isReadOnly
	e.hasMeta = true
	s.cached = nil
	return e
}

func (s *othersStore) setOther(actor int, presence model.Presence) *otherEntry {
	e := s.ensure(actor)
	e.presence = presence.Clone()
	e.hasPresence = true
	s.cached = nil
	return e
}

func (s *othersStore) patchOther(actor int, patch model.Presence) *otherEntry {
	e := s.ensure(actor)
	if e.presence == nil {
		e.presence = model.Presence{}
	}
	e.presence.Merge(patch)
	e.hasPresence = true
	s.cached = nil
	return e
}

func (s *othersStore) removeConnection(actor int) {
	delete(s.entries, actor)
	s.cached = nil
}

// retainOnly drops every actor not present in keep; used by ROOM_STATE
// reconciliation.
func (s *othersStore) retainOnly(keep map[int]bool) {
	for actor := range s.entries {
		if !keep[actor] {
			delete(s.entries, actor)
		}
	}
	s.cached = nil
}

func (s *othersStore) clear() {
	s.entries = map[int]*otherEntry{}
	s.cached = nil
}

// visibleUsers returns the cached projection of visible peers, ordered by
// actor id.
func (s *othersStore) visibleUsers() []model.User {
	if s.cached != nil {
		return s.cached
	}
	users := make([]model.User, 0, len(s.entries))
	for _, actor := range slices.Sorted(maps.Keys(s.entries)) {
		if e := s.entries[actor]; e.visible() {
			users = append(users, e.user())
		}
	}
	s.cached = users
	return users
}
