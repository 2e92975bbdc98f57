// Package normalize converts raw protocol events into canonical messages.
// It is pure: no I/O, no clock, deterministic for a given event and room
// state, so it can run synchronously on the event-dispatch path.
package normalize

import (
	"vestnik/internal/content"
	"vestnik/internal/models"
	"vestnik/internal/protocol"
)

// RoomState resolves membership snapshots at normalize time.
type RoomState interface {
	Member(userID string) (models.Sender, bool)
}

// Result is a normalized event plus the relation hints the timeline store
// needs to fold it. The normalizer only flags relations; folding happens
// in the store.
type Result struct {
	Message models.Message

	// Target event id when this delivery replaces an earlier event.
	Replaces string
	// Target event id when this message is a rich reply.
	ReplyTo string
}

var msgTypes = map[protocol.MsgType]models.MessageType{
	protocol.MsgText:     models.TypeText,
	protocol.MsgEmote:    models.TypeEmote,
	protocol.MsgImage:    models.TypeImage,
	protocol.MsgAudio:    models.TypeAudio,
	protocol.MsgVideo:    models.TypeVideo,
	protocol.MsgFile:     models.TypeFile,
	protocol.MsgLocation: models.TypeLocation,
}

// Normalize converts one raw message event into a canonical Message.
// It returns nil when the event should be discarded: missing sender or id,
// a non-message kind, or an unsupported payload type. Discards are expected
// steady-state behavior, not errors.
func Normalize(ev protocol.RawEvent, room RoomState) *Result {
	if ev.Sender == "" || ev.ID == "" || ev.Kind != protocol.EventMessage {
		return nil
	}

	body := protocol.DecodeMessageContent(ev.Content)

	res := Result{}
	display := body

	// An edit delivery carries the replacement payload under new_content
	// with a replace relation. Flag it; the store folds it into the target.
	if body.NewContent != nil && body.NewContent.Body != "" &&
		body.RelatesTo != nil && body.RelatesTo.RelType == protocol.RelReplace && body.RelatesTo.EventID != "" {
		res.Replaces = body.RelatesTo.EventID
		display = *body.NewContent
	}

	kind, ok := msgTypes[display.MsgType]
	if !ok {
		return nil
	}

	msg := models.Message{
		ID:        ev.ID,
		RoomID:    ev.RoomID,
		Type:      kind,
		Content:   display.Body,
		Sender:    senderSnapshot(ev.Sender, room),
		Timestamp: ev.Timestamp,
		Status:    models.StatusSent,
	}

	if display.FormattedBody != "" {
		msg.FormattedContent = content.Sanitize(display.FormattedBody)
	}

	switch kind {
	case models.TypeImage, models.TypeAudio, models.TypeVideo, models.TypeFile:
		msg.MediaURL = display.URL
		msg.FileName = display.FileName
		if msg.FileName == "" {
			msg.FileName = display.Body
		}
		if info := display.Info; info != nil {
			msg.MimeType = info.MimeType
			msg.FileSize = info.Size
			msg.Duration = info.Duration
			msg.ThumbnailURL = info.ThumbnailURL
		}
	case models.TypeLocation:
		msg.GeoURI = display.GeoURI
	}

	if rel := body.RelatesTo; rel != nil && res.Replaces == "" {
		if rel.RelType == protocol.RelThread && rel.EventID != "" {
			msg.ThreadID = rel.EventID
		}
		if rel.InReplyTo != nil && rel.InReplyTo.EventID != "" {
			res.ReplyTo = rel.InReplyTo.EventID
		}
	}

	res.Message = msg
	return &res
}

// senderSnapshot resolves the sender's current membership state, falling
// back to the bare user id for senders no longer in the room.
func senderSnapshot(userID string, room RoomState) models.Sender {
	if room != nil {
		if s, ok := room.Member(userID); ok {
			s.UserID = userID
			return s
		}
	}
	return models.Sender{UserID: userID, DisplayName: userID}
}
