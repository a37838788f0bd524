package model

import (
	"encoding/json"
	"fmt"
)

// ClientMsgCode identifies outbound frames.
type ClientMsgCode int

const (
	ClientUpdatePresence ClientMsgCode = 100
	ClientBroadcastEvent ClientMsgCode = 103
	ClientFetchStorage   ClientMsgCode = 200
	ClientUpdateStorage  ClientMsgCode = 201
)

// ServerMsgCode identifies inbound frames.
type ServerMsgCode int

const (
	ServerUpdatePresence      ServerMsgCode = 100
	ServerUserJoined          ServerMsgCode = 101
	ServerUserLeft            ServerMsgCode = 102
	ServerBroadcastedEvent    ServerMsgCode = 103
	ServerRoomState           ServerMsgCode = 104
	ServerInitialStorageState ServerMsgCode = 200
	ServerUpdateStorage       ServerMsgCode = 201
	ServerRejectStorageOp     ServerMsgCode = 299
)

// BroadcastTargetAll is the keyframe sentinel: a full-presence snapshot
// addressed to every peer rather than one actor.
const BroadcastTargetAll = -1

// ClientMsg is one outbound frame element.
type ClientMsg struct {
	Type ClientMsgCode `json:"type"`

	// UpdatePresence
	Data        Presence `json:"data,omitempty"`
	TargetActor *int     `json:"targetActor,omitempty"`

	// BroadcastEvent
	Event json.RawMessage `json:"event,omitempty"`

	// UpdateStorage
	Ops []Op `json:"ops,omitempty"`
}

func NewPresencePatchMsg(data Presence) ClientMsg {
	return ClientMsg{Type: ClientUpdatePresence, Data: data}
}

func NewPresenceFullMsg(data Presence, targetActor int) ClientMsg {
	t := targetActor
	return ClientMsg{Type: ClientUpdatePresence, Data: data, TargetActor: &t}
}

func NewBroadcastEventMsg(event json.RawMessage) ClientMsg {
	return ClientMsg{Type: ClientBroadcastEvent, Event: event}
}

func NewUpdateStorageMsg(ops []Op) ClientMsg {
	return ClientMsg{Type: ClientUpdateStorage, Ops: ops}
}

func NewFetchStorageMsg() ClientMsg {
	return ClientMsg{Type: ClientFetchStorage}
}

// EncodeClientMsgs renders the outbound frame: a single object when there is
// one message, a JSON array otherwise.
func EncodeClientMsgs(msgs []ClientMsg) ([]byte, error) {
	if len(msgs) == 1 {
		return json.Marshal(msgs[0])
	}
	return json.Marshal(msgs)
}

// ServerMsg is one decoded inbound frame element.
type ServerMsg interface {
	Code() ServerMsgCode
}

type UserJoinedMsg struct {
	Actor  int             `json:"actor"`
	ID     string          `json:"id"`
	Info   json.RawMessage `json:"info"`
	Scopes []string        `json:"scopes"`
}

func (UserJoinedMsg) Code() ServerMsgCode { return ServerUserJoined }

type UserLeftMsg struct {
	Actor int `json:"actor"`
}

func (UserLeftMsg) Code() ServerMsgCode { return ServerUserLeft }

type UpdatePresenceMsg struct {
	Actor       int      `json:"actor"`
	Data        Presence `json:"data"`
	TargetActor *int     `json:"targetActor"`
}

func (UpdatePresenceMsg) Code() ServerMsgCode { return ServerUpdatePresence }

type BroadcastedEventMsg struct {
	Actor int             `json:"actor"`
	Event json.RawMessage `json:"event"`
}

func (BroadcastedEventMsg) Code() ServerMsgCode { return ServerBroadcastedEvent }

type RoomStateMsg struct {
	Users map[string]RoomStateUser `json:"users"`
}

type RoomStateUser struct {
	ID     string          `json:"id"`
	Info   json.RawMessage `json:"info"`
	Scopes []string        `json:"scopes"`
}

func (RoomStateMsg) Code() ServerMsgCode { return ServerRoomState }

// InitialStorageStateMsg carries the full document as [id, node] pairs.
type InitialStorageStateMsg struct {
	Items []StorageItem
}

func (InitialStorageStateMsg) Code() ServerMsgCode { return ServerInitialStorageState }

type StorageItem struct {
	ID   string
	Node SerializedCrdt
}

type UpdateStorageMsg struct {
	Ops []Op
}

func (UpdateStorageMsg) Code() ServerMsgCode { return ServerUpdateStorage }

type RejectStorageOpMsg struct {
	OpIDs  []string `json:"opIds"`
	Reason string   `json:"reason"`
}

func (RejectStorageOpMsg) Code() ServerMsgCode { return ServerRejectStorageOp }

// DecodeServerFrame decodes one text frame into its messages. A frame is a
// single JSON object or an array of objects; an empty array, a parse failure
// or an element with an unknown type yields no messages for that part.
func DecodeServerFrame(data []byte) []ServerMsg {
	var parts []json.RawMessage
	switch firstNonSpace(data) {
	case '[':
		if err := json.Unmarshal(data, &parts); err != nil {
			return nil
		}
	case '{':
		if !json.Valid(data) {
			return nil
		}
		parts = []json.RawMessage{json.RawMessage(data)}
	default:
		return nil
	}

	msgs := make([]ServerMsg, 0, len(parts))
	for _, part := range parts {
		msg, err := decodeServerMsg(part)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}

func decodeServerMsg(raw json.RawMessage) (ServerMsg, error) {
	var probe struct {
		Type ServerMsgCode `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case ServerUserJoined:
		var m UserJoinedMsg
		return m, json.Unmarshal(raw, &m)
	case ServerUserLeft:
		var m UserLeftMsg
		return m, json.Unmarshal(raw, &m)
	case ServerUpdatePresence:
		var m UpdatePresenceMsg
		return m, json.Unmarshal(raw, &m)
	case ServerBroadcastedEvent:
		var m BroadcastedEventMsg
		return m, json.Unmarshal(raw, &m)
	case ServerRoomState:
		var m RoomStateMsg
		return m, json.Unmarshal(raw, &m)
	case ServerInitialStorageState:
		return decodeInitialStorage(raw)
	case ServerUpdateStorage:
		return decodeUpdateStorage(raw)
	case ServerRejectStorageOp:
		var m RejectStorageOpMsg
		return m, json.Unmarshal(raw, &m)
	}
	return nil, fmt.Errorf("server message: unknown type %d", probe.Type)
}

func decodeInitialStorage(raw json.RawMessage) (ServerMsg, error) {
	var body struct {
		Items [][2]json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	msg := InitialStorageStateMsg{Items: make([]StorageItem, 0, len(body.Items))}
	for _, pair := range body.Items {
		var id string
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return nil, fmt.Errorf("storage item id: %w", err)
		}
		node, err := DecodeSerializedCrdt(pair[1])
		if err != nil {
			return nil, fmt.Errorf("storage item %s: %w", id, err)
		}
		msg.Items = append(msg.Items, StorageItem{ID: id, Node: node})
	}
	return msg, nil
}

func decodeUpdateStorage(raw json.RawMessage) (ServerMsg, error) {
	var body struct {
		Ops []json.RawMessage `json:"ops"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	msg := UpdateStorageMsg{Ops: make([]Op, 0, len(body.Ops))}
	for _, rawOp := range body.Ops {
		op, err := DecodeOp(rawOp)
		if err != nil {
			return nil, err
		}
		msg.Ops = append(msg.Ops, op)
	}
	return msg, nil
}
