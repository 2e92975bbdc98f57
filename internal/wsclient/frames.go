package wsclient

import (
	"vestnik/internal/protocol"
)

// OpCode tags every frame on the wire.
type OpCode string

const (
	// client -> server
	OpAuth   OpCode = "auth"
	OpSend   OpCode = "send"
	OpRedact OpCode = "redact"
	OpReact  OpCode = "react"
	OpUpload OpCode = "upload"
	OpJoin   OpCode = "join"
	OpLeave  OpCode = "leave"
	OpTyping OpCode = "typing"

	// server -> client
	OpSync  OpCode = "sync"
	OpEvent OpCode = "event"
	OpAck   OpCode = "ack"
	OpError OpCode = "error"
)

// Frame is the single wire envelope; fields are populated per op.
type Frame struct {
	Op    OpCode `msgpack:"op"`
	TxnID string `msgpack:"txnId,omitempty"`

	// auth
	UserID      string `msgpack:"userId,omitempty"`
	AccessToken string `msgpack:"accessToken,omitempty"`
	DeviceID    string `msgpack:"deviceId,omitempty"`

	// send / redact / react / typing
	RoomID   string         `msgpack:"roomId,omitempty"`
	Content  map[string]any `msgpack:"content,omitempty"`
	TargetID string         `msgpack:"targetId,omitempty"`
	Key      string         `msgpack:"key,omitempty"`
	Typing   bool           `msgpack:"typing,omitempty"`

	// upload
	Data     []byte `msgpack:"data,omitempty"`
	MimeType string `msgpack:"mimeType,omitempty"`

	// ack
	EventID   string `msgpack:"eventId,omitempty"`
	Timestamp int64  `msgpack:"timestamp,omitempty"`
	URL       string `msgpack:"url,omitempty"`

	// error
	Error string `msgpack:"error,omitempty"`

	// sync / event
	Rooms []RoomSnapshot     `msgpack:"rooms,omitempty"`
	Event *protocol.RawEvent `msgpack:"event,omitempty"`
}

// MemberSnapshot is one room member's identity as of the sync.
type MemberSnapshot struct {
	UserID      string `msgpack:"userId"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl,omitempty"`
}

// RoomSnapshot is one room's full state inside a sync frame.
type RoomSnapshot struct {
	ID        string              `msgpack:"id"`
	Name      string              `msgpack:"name"`
	Topic     string              `msgpack:"topic,omitempty"`
	AvatarURL string              `msgpack:"avatarUrl,omitempty"`
	Direct    bool                `msgpack:"direct,omitempty"`
	Public    bool                `msgpack:"public,omitempty"`
	Unread    int                 `msgpack:"unread,omitempty"`
	Members   []MemberSnapshot    `msgpack:"members,omitempty"`
	Recent    []protocol.RawEvent `msgpack:"recent,omitempty"`
}
