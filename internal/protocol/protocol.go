// Package protocol defines the boundary to the federated messaging client:
// raw event and content types, typed event kinds, and the Client/Room
// interfaces the sync engine consumes. The engine never depends on a
// concrete transport.
package protocol

import (
	"context"

	"vestnik/internal/models"
)

// EventKind is the typed set of timeline event kinds the engine routes on.
type EventKind string

const (
	EventMessage   EventKind = "m.room.message"
	EventReaction  EventKind = "m.reaction"
	EventRedaction EventKind = "m.room.redaction"
	EventMember    EventKind = "m.room.member"
	EventTyping    EventKind = "m.typing"
)

// RelType is the relation type carried by relation events.
type RelType string

const (
	RelReplace    RelType = "m.replace"
	RelAnnotation RelType = "m.annotation"
	RelThread     RelType = "m.thread"
)

// MsgType is the payload kind inside a message event's content.
type MsgType string

const (
	MsgText     MsgType = "m.text"
	MsgEmote    MsgType = "m.emote"
	MsgImage    MsgType = "m.image"
	MsgAudio    MsgType = "m.audio"
	MsgVideo    MsgType = "m.video"
	MsgFile     MsgType = "m.file"
	MsgLocation MsgType = "m.location"
)

// RawEvent is one protocol event as delivered by the client, before
// normalization.
type RawEvent struct {
	ID        string         `json:"eventId" msgpack:"eventId"`
	RoomID    string         `json:"roomId" msgpack:"roomId"`
	Sender    string         `json:"sender" msgpack:"sender"`
	Kind      EventKind      `json:"type" msgpack:"type"`
	Timestamp int64          `json:"originServerTs" msgpack:"originServerTs"`
	Content   map[string]any `json:"content" msgpack:"content"`
	// Target event id, set only on redaction events.
	Redacts string `json:"redacts,omitempty" msgpack:"redacts"`
}

// InReplyTo marks a rich reply inside a relation block.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// RelatesTo is the relation block of a message or reaction content.
type RelatesTo struct {
	RelType   RelType    `json:"rel_type,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// FileInfo carries media metadata inside message content.
type FileInfo struct {
	MimeType     string `json:"mimetype,omitempty"`
	Size         int64  `json:"size,omitempty"`
	Duration     int64  `json:"duration,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// MessageContent is the typed shape of a message event's content map.
type MessageContent struct {
	MsgType       MsgType   `json:"msgtype"`
	Body          string    `json:"body"`
	FormattedBody string    `json:"formatted_body,omitempty"`
	URL           string    `json:"url,omitempty"`
	FileName      string    `json:"filename,omitempty"`
	GeoURI        string    `json:"geo_uri,omitempty"`
	Info          *FileInfo `json:"info,omitempty"`

	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
	// Replacement payload on edit deliveries.
	NewContent *MessageContent `json:"m.new_content,omitempty"`
}

// ReactionContent is the typed shape of a reaction event's content map.
type ReactionContent struct {
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

// Room exposes the per-room state the engine reads: identity, membership
// snapshots, recent history, and a live event stream.
type Room interface {
	ID() string
	Name() string
	Topic() string
	AvatarURL() string
	IsDirect() bool
	// Public reports whether the room is joinable without an invite.
	Public() bool

	// Member resolves the current membership snapshot for a user. The
	// second return is false when the user is not a known member.
	Member(userID string) (models.Sender, bool)

	// RecentEvents returns up to limit most recent timeline events in
	// delivery order (oldest first).
	RecentEvents(limit int) []RawEvent

	UnreadCount() int

	// Subscribe registers fn on the room's live event stream and returns
	// a cancel function. fn is invoked in delivery order.
	Subscribe(fn func(RawEvent)) (cancel func())
}

// Client is the protocol client collaborator. One underlying session is
// shared across all rooms.
type Client interface {
	// Initialized reports whether the client has completed its initial
	// sync and is ready to serve room state.
	Initialized() bool

	Room(roomID string) (Room, error)
	Rooms() []Room

	// SendMessage submits a message event and returns the server-assigned
	// event id. The server is authoritative for the final timestamp.
	SendMessage(ctx context.Context, roomID string, content MessageContent) (eventID string, ts int64, err error)

	// SendReaction submits an annotation event for target+key and returns
	// the annotation event id.
	SendReaction(ctx context.Context, roomID, targetID, key string) (eventID string, err error)

	// UploadMedia stores a media blob with the homeserver and returns its
	// content URL for use in message events.
	UploadMedia(ctx context.Context, data []byte, mimeType string) (url string, err error)

	// RedactEvent retroactively removes a prior event.
	RedactEvent(ctx context.Context, roomID, eventID string) error

	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error

	SendTyping(ctx context.Context, roomID string, typing bool) error
}

// SessionStore is the credential source consumed read-only by the engine.
type SessionStore interface {
	UserID() string
	AccessToken() string
	DeviceID() string
}
