package models

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRoomNotFound = errors.New("room not found")
	ErrNotReady     = errors.New("client not initialized")
	ErrClosed       = errors.New("session closed")
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
	TypeEmote    MessageType = "emote"
)

// Sender is a snapshot of the sending user's identity taken from room
// membership at normalize time. Later membership changes do not rewrite it.
type Sender struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Reaction is one aggregated reaction key on a message. Count always equals
// len(UserIDs); both are derived on snapshot, never mutated independently.
type Reaction struct {
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

// ReplyRef is a denormalized snapshot of the reply target at reply-creation
// time. It is not a live link: edits or deletion of the target do not
// update it.
type ReplyRef struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Sender  Sender `json:"sender"`
}

// Message is the canonical unit of a timeline.
type Message struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`

	Type             MessageType `json:"type"`
	Content          string      `json:"content"`
	FormattedContent string      `json:"formattedContent,omitempty"`
	// Content before the first edit, empty if never edited.
	OriginalContent string `json:"originalContent,omitempty"`

	Sender Sender `json:"sender"`

	// Unix milliseconds. Server-assigned once confirmed; local clock for
	// provisional entries.
	Timestamp       int64 `json:"timestamp"`
	EditedTimestamp int64 `json:"editedTimestamp,omitempty"`

	Status MessageStatus `json:"status"`
	// Set only when Status is StatusError.
	Error string `json:"error,omitempty"`

	MediaURL     string `json:"mediaUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	FileSize     int64  `json:"fileSize,omitempty"`
	// Milliseconds, for audio and video payloads.
	Duration int64  `json:"duration,omitempty"`
	GeoURI   string `json:"location,omitempty"`

	Reactions map[string]Reaction `json:"reactions,omitempty"`
	ReplyTo   *ReplyRef           `json:"replyTo,omitempty"`
	// Root event id this message replies into; empty means main timeline.
	ThreadID string `json:"threadId,omitempty"`
}

// Edited reports whether the message has had at least one edit applied.
func (m Message) Edited() bool {
	return m.EditedTimestamp != 0
}

type RoomCategory string

const (
	CategoryPublic  RoomCategory = "public"
	CategoryPrivate RoomCategory = "private"
	CategoryDirect  RoomCategory = "direct"
)

// RoomInfo is a roster-level summary derived wholesale from protocol client
// state; it has no independent lifecycle.
type RoomInfo struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Topic       string       `json:"topic,omitempty"`
	AvatarURL   string       `json:"avatarUrl,omitempty"`
	IsDirect    bool         `json:"isDirect"`
	Category    RoomCategory `json:"category"`
	LastMessage *Message     `json:"lastMessage,omitempty"`
	// Timestamp of the last message, unix milliseconds; 0 when empty.
	LastActivity int64 `json:"lastActivity"`
	UnreadCount  int   `json:"unreadCount"`
}
