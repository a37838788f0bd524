package model

import "encoding/json"

// Presence is the ephemeral per-user record shared with peers. Values must be
// JSON-serializable; the room never interprets them.
type Presence map[string]any

// Clone returns a shallow copy; callers hand these out as read snapshots.
func (p Presence) Clone() Presence {
	if p == nil {
		return nil
	}
	out := make(Presence, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge shallow-merges the keys present in patch and reports whether
// anything changed.
func (p Presence) Merge(patch Presence) bool {
	changed := false
	for k, v := range patch {
		p[k] = v
		changed = true
	}
	return changed
}

// User is one remote peer as exposed to the host application. A peer becomes
// visible only once both its connection metadata and presence are known.
type User struct {
	ConnectionID int             `json:"connectionId"`
	ID           string          `json:"id,omitempty"`
	Info         json.RawMessage `json:"info,omitempty"`
	IsReadOnly   bool            `json:"isReadOnly"`
	Presence     Presence        `json:"presence,omitempty"`
}
