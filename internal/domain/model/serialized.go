package model

import (
	"encoding/json"
	"fmt"
)

// CrdtKind discriminates serialized nodes on the wire.
type CrdtKind int

const (
	CrdtObject   CrdtKind = 0
	CrdtList     CrdtKind = 1
	CrdtMap      CrdtKind = 2
	CrdtRegister CrdtKind = 3
)

// SerializedCrdt is one node of the document as shipped in
// INITIAL_STORAGE_STATE. The root is the unique item without a parent.
type SerializedCrdt struct {
	Kind      CrdtKind       `json:"type"`
	ParentID  string         `json:"parentId,omitempty"`
	ParentKey string         `json:"parentKey,omitempty"`

	// Object data (scalar keys only; children arrive as separate items).
	Data map[string]any `json:"data,omitempty"`

	// Register value.
	Value any `json:"-"`
}

// IsRoot reports whether this item is the document root marker.
func (s SerializedCrdt) IsRoot() bool { return s.ParentID == "" }

func (s SerializedCrdt) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": s.Kind}
	if s.ParentID != "" {
		out["parentId"] = s.ParentID
		out["parentKey"] = s.ParentKey
	}
	switch s.Kind {
	case CrdtObject:
		if s.Data != nil {
			out["data"] = s.Data
		}
	case CrdtRegister:
		out["data"] = s.Value
	}
	return json.Marshal(out)
}

// DecodeSerializedCrdt validates the tagged variant field by field.
func DecodeSerializedCrdt(raw json.RawMessage) (SerializedCrdt, error) {
	var probe struct {
		Kind      *CrdtKind       `json:"type"`
		ParentID  string          `json:"parentId"`
		ParentKey string          `json:"parentKey"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SerializedCrdt{}, err
	}
	if probe.Kind == nil {
		return SerializedCrdt{}, fmt.Errorf("serialized crdt: missing type")
	}

	node := SerializedCrdt{Kind: *probe.Kind, ParentID: probe.ParentID, ParentKey: probe.ParentKey}
	switch *probe.Kind {
	case CrdtObject:
		node.Data = map[string]any{}
		if len(probe.Data) > 0 {
			if err := json.Unmarshal(probe.Data, &node.Data); err != nil {
				return SerializedCrdt{}, fmt.Errorf("serialized object data: %w", err)
			}
		}
	case CrdtRegister:
		if len(probe.Data) > 0 {
			if err := json.Unmarshal(probe.Data, &node.Value); err != nil {
				return SerializedCrdt{}, fmt.Errorf("serialized register data: %w", err)
			}
		}
	case CrdtList, CrdtMap:
		// No payload; children arrive as separate items.
	default:
		return SerializedCrdt{}, fmt.Errorf("serialized crdt: unknown kind %d", *probe.Kind)
	}
	return node, nil
}
