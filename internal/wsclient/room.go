package wsclient

import (
	"sync"

	"vestnik/internal/models"
	"vestnik/internal/protocol"
)

// maxRecent bounds the per-room buffer of recent events kept for initial
// timeline loads.
const maxRecent = 256

// Room mirrors one room's server-side state and fans live events out to
// subscribers.
type Room struct {
	id string

	mu        sync.RWMutex
	name      string
	topic     string
	avatarURL string
	direct    bool
	public    bool
	unread    int
	members   map[string]models.Sender
	recent    []protocol.RawEvent

	subMu   sync.Mutex
	subs    map[int64]func(protocol.RawEvent)
	nextSub int64
}

func newRoom(snap RoomSnapshot) *Room {
	r := &Room{
		id:      snap.ID,
		members: make(map[string]models.Sender),
		subs:    make(map[int64]func(protocol.RawEvent)),
	}
	r.update(snap)
	return r
}

func (r *Room) update(snap RoomSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = snap.Name
	r.topic = snap.Topic
	r.avatarURL = snap.AvatarURL
	r.direct = snap.Direct
	r.public = snap.Public
	r.unread = snap.Unread
	for _, m := range snap.Members {
		r.members[m.UserID] = models.Sender{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			AvatarURL:   m.AvatarURL,
		}
	}
	if len(snap.Recent) > 0 {
		r.recent = append([]protocol.RawEvent(nil), snap.Recent...)
		r.trimRecent()
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.name
}

func (r *Room) Topic() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topic
}

func (r *Room) AvatarURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.avatarURL
}

func (r *Room) IsDirect() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.direct
}

func (r *Room) Public() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.public
}

func (r *Room) UnreadCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unread
}

func (r *Room) Member(userID string) (models.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[userID]
	return m, ok
}

func (r *Room) RecentEvents(limit int) []protocol.RawEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.recent
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return append([]protocol.RawEvent(nil), events...)
}

func (r *Room) Subscribe(fn func(protocol.RawEvent)) func() {
	r.subMu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

// deliver folds a live event into room state and notifies subscribers in
// delivery order.
func (r *Room) deliver(ev protocol.RawEvent) {
	r.mu.Lock()
	switch ev.Kind {
	case protocol.EventMember:
		r.applyMember(ev)
	case protocol.EventMessage:
		r.unread++
	}
	r.recent = append(r.recent, ev)
	r.trimRecent()
	r.mu.Unlock()

	r.subMu.Lock()
	fns := make([]func(protocol.RawEvent), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// applyMember keeps the membership snapshot current. Callers hold the
// write lock.
func (r *Room) applyMember(ev protocol.RawEvent) {
	name, _ := ev.Content["displayname"].(string)
	avatar, _ := ev.Content["avatar_url"].(string)
	membership, _ := ev.Content["membership"].(string)
	if membership == "leave" || membership == "ban" {
		delete(r.members, ev.Sender)
		return
	}
	if name == "" {
		name = ev.Sender
	}
	r.members[ev.Sender] = models.Sender{UserID: ev.Sender, DisplayName: name, AvatarURL: avatar}
}

func (r *Room) trimRecent() {
	if len(r.recent) > maxRecent {
		r.recent = r.recent[len(r.recent)-maxRecent:]
	}
}
