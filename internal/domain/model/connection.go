package model

import "encoding/json"

// ConnectionState is the coarse state of the room session.
type ConnectionState string

const (
	ConnectionClosed         ConnectionState = "closed"
	ConnectionAuthenticating ConnectionState = "authenticating"
	ConnectionConnecting     ConnectionState = "connecting"
	ConnectionOpen           ConnectionState = "open"
	ConnectionUnavailable    ConnectionState = "unavailable"
	ConnectionFailed         ConnectionState = "failed"
)

// Connection is the tagged session variant. Identity fields are only
// meaningful while the session is self-aware (connecting or open).
type Connection struct {
	State ConnectionState

	// Set for connecting and open.
	Actor      int
	UserID     string
	UserInfo   json.RawMessage
	IsReadOnly bool
}

// SelfAware reports whether the session carries an identity.
func (c Connection) SelfAware() bool {
	return c.State == ConnectionConnecting || c.State == ConnectionOpen
}

// StorageStatus is the derived 4-valued loading state of the document.
type StorageStatus string

const (
	StorageNotLoaded     StorageStatus = "not-loaded"
	StorageLoading       StorageStatus = "loading"
	StorageSynchronizing StorageStatus = "synchronizing"
	StorageSynchronized  StorageStatus = "synchronized"
)
