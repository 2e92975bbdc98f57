// Package roster derives the cross-room list view. It is a pure projection
// of protocol client state: small cardinality, recomputed wholesale on
// every relevant change rather than incrementally patched.
package roster

import (
	"sort"

	"github.com/samber/lo"

	"vestnik/internal/models"
	"vestnik/internal/normalize"
	"vestnik/internal/protocol"
)

// lastMessagePage bounds how far back the projector looks for a room's
// most recent displayable message.
const lastMessagePage = 20

// Project returns the current roster, sorted by most recent activity
// descending. Rooms with no messages sort last: their activity floor is
// epoch zero.
func Project(client protocol.Client) []models.RoomInfo {
	if !client.Initialized() {
		return nil
	}

	infos := lo.Map(client.Rooms(), func(room protocol.Room, _ int) models.RoomInfo {
		return project(room)
	})

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].LastActivity > infos[j].LastActivity
	})
	return infos
}

func project(room protocol.Room) models.RoomInfo {
	info := models.RoomInfo{
		ID:          room.ID(),
		Name:        room.Name(),
		Topic:       room.Topic(),
		AvatarURL:   room.AvatarURL(),
		IsDirect:    room.IsDirect(),
		Category:    categorize(room),
		UnreadCount: room.UnreadCount(),
	}

	if last := lastMessage(room); last != nil {
		info.LastMessage = last
		info.LastActivity = last.Timestamp
	}
	return info
}

// categorize derives the bucket from visibility plus the direct-message
// marker; it is never stored independently.
func categorize(room protocol.Room) models.RoomCategory {
	switch {
	case room.IsDirect():
		return models.CategoryDirect
	case room.Public():
		return models.CategoryPublic
	default:
		return models.CategoryPrivate
	}
}

// lastMessage scans recent events newest-first for the latest one that
// normalizes to a displayable message.
func lastMessage(room protocol.Room) *models.Message {
	events := room.RecentEvents(lastMessagePage)
	for i := len(events) - 1; i >= 0; i-- {
		res := normalize.Normalize(events[i], room)
		if res == nil || res.Replaces != "" {
			continue
		}
		msg := res.Message
		return &msg
	}
	return nil
}
