// Package timeline holds the per-room ordered message set and folds
// normalized events and relation events into it. Each room has exactly one
// Store; all mutations are serialized on its mutex, and no I/O happens
// while the mutex is held.
package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"vestnik/internal/models"
	"vestnik/internal/normalize"
	"vestnik/internal/protocol"
)

const DefaultDedupWindow = 30 * time.Minute

type Config struct {
	RoomID string
	// Window during which duplicate relation-event deliveries are dropped.
	DedupWindow time.Duration
	// OnUpdate fires after every mutation that changed visible state.
	OnUpdate func()
	Logger   zerolog.Logger
	// Injectable clock for tests.
	Now func() time.Time
}

// entry is one timeline position. Reaction state is kept as raw sets here
// and materialized into derived counts on snapshot.
type entry struct {
	msg       models.Message
	seq       int64
	reactions map[string]mapset.Set[string]
}

// annotation remembers where a reaction event landed so its redaction can
// be resolved later.
type annotation struct {
	targetID string
	key      string
	sender   string
	ts       int64
}

type Store struct {
	roomID   string
	onUpdate func()
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries []*entry
	byID    map[string]*entry
	// annotation event id -> where it landed
	annotations map[string]annotation
	// recently applied relation-event ids, for duplicate-delivery drops
	seen geche.Geche[string, struct{}]
	seq  int64
}

func New(ctx context.Context, cfg Config) *Store {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		roomID:      cfg.RoomID,
		onUpdate:    cfg.OnUpdate,
		log:         cfg.Logger.With().Str("room_id", cfg.RoomID).Logger(),
		now:         cfg.Now,
		byID:        make(map[string]*entry),
		annotations: make(map[string]annotation),
		seen:        geche.NewMapTTLCache[string, struct{}](ctx, cfg.DedupWindow, time.Minute),
	}
}

func (s *Store) RoomID() string { return s.roomID }

// ApplyEvent routes one raw event through normalization and relation
// folding. It is the single entry point for server-delivered traffic.
func (s *Store) ApplyEvent(ev protocol.RawEvent, room normalize.RoomState) {
	switch ev.Kind {
	case protocol.EventMessage:
		res := normalize.Normalize(ev, room)
		if res == nil {
			return
		}
		if res.Replaces != "" {
			// Dropped when the edit target is unknown; retrying would not help.
			_ = s.Edit(res.Replaces, res.Message.Content, res.Message.FormattedContent, ev.Timestamp, ev.ID)
			return
		}
		if s.upsert(res) {
			s.notify()
		}

	case protocol.EventReaction:
		body := protocol.DecodeReactionContent(ev.Content)
		rel := body.RelatesTo
		if rel == nil || rel.RelType != protocol.RelAnnotation || rel.EventID == "" || rel.Key == "" {
			return
		}
		_ = s.AddReaction(ev.ID, rel.EventID, rel.Key, ev.Sender, ev.Timestamp)

	case protocol.EventRedaction:
		if ev.Redacts != "" {
			s.Redact(ev.Redacts)
		}

	default:
		// State events outside the messaging set are expected and ignored.
	}
}

// ApplyInitial feeds a backfill page through the same path as live events.
func (s *Store) ApplyInitial(events []protocol.RawEvent, room normalize.RoomState) {
	for _, ev := range events {
		s.ApplyEvent(ev, room)
	}
}

// upsert inserts a new message or refreshes an already-present one (the
// live echo of an own send that was reconciled first).
func (s *Store) upsert(res *normalize.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := res.Message
	if e, ok := s.byID[msg.ID]; ok {
		e.msg.Content = msg.Content
		e.msg.FormattedContent = msg.FormattedContent
		if e.msg.Status == models.StatusSending || e.msg.Status == models.StatusSent {
			e.msg.Status = models.StatusDelivered
		}
		if e.msg.Timestamp != msg.Timestamp {
			e.msg.Timestamp = msg.Timestamp
			s.resort(e)
		}
		return true
	}

	if res.ReplyTo != "" {
		if target, ok := s.byID[res.ReplyTo]; ok {
			msg.ReplyTo = &models.ReplyRef{
				ID:      target.msg.ID,
				Content: target.msg.Content,
				Sender:  target.msg.Sender,
			}
		}
	}

	s.insert(&entry{msg: msg, reactions: make(map[string]mapset.Set[string])})
	return true
}

// InsertProvisional inserts a locally created message before any network
// I/O so consumers see the optimistic echo immediately.
func (s *Store) InsertProvisional(msg models.Message) {
	s.mu.Lock()
	if msg.Status == "" {
		msg.Status = models.StatusSending
	}
	s.insert(&entry{msg: msg, reactions: make(map[string]mapset.Set[string])})
	s.mu.Unlock()
	s.notify()
}

// ReconcileProvisional atomically swaps a provisional identity for the
// server-confirmed one. Exactly one entry exists afterwards, even when the
// live echo of the send arrived before the success callback.
func (s *Store) ReconcileProvisional(provisionalID, confirmedID string, ts int64) error {
	s.mu.Lock()

	prov, ok := s.byID[provisionalID]
	if !ok {
		_, confirmed := s.byID[confirmedID]
		s.mu.Unlock()
		if confirmed {
			// Echo won the race and a previous reconcile already folded it.
			return nil
		}
		return models.ErrNotFound
	}

	if echo, ok := s.byID[confirmedID]; ok {
		// Echo arrived first: keep the server entry, drop the provisional.
		s.remove(prov)
		if echo.msg.Status == models.StatusSending {
			echo.msg.Status = models.StatusDelivered
		}
		s.mu.Unlock()
		s.notify()
		return nil
	}

	delete(s.byID, provisionalID)
	prov.msg.ID = confirmedID
	prov.msg.Status = models.StatusSent
	if ts != 0 && ts != prov.msg.Timestamp {
		prov.msg.Timestamp = ts
		s.resort(prov)
	}
	s.byID[confirmedID] = prov
	s.mu.Unlock()
	s.notify()
	return nil
}

// MarkError transitions a message to the error state without removing it,
// so the failed send stays visible for an explicit user retry or discard.
func (s *Store) MarkError(id, cause string) error {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	e.msg.Status = models.StatusError
	e.msg.Error = cause
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetStatus advances delivery state (sent -> delivered -> read).
func (s *Store) SetStatus(id string, status models.MessageStatus) error {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	e.msg.Status = status
	e.msg.Error = ""
	s.mu.Unlock()
	s.notify()
	return nil
}

// Remove deletes a message outright, as a confirmed local delete does.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	e, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	s.remove(e)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Get returns a point-in-time copy of one message.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return materialize(e), true
}

// Snapshot returns a consistent copy of the timeline, sorted ascending by
// timestamp with insertion order breaking ties.
func (s *Store) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = materialize(e)
	}
	return out
}

// Thread returns the root message and its replies, in timeline order.
func (s *Store) Thread(rootID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, e := range s.entries {
		if e.msg.ID == rootID || e.msg.ThreadID == rootID {
			out = append(out, materialize(e))
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// materialize copies an entry into its read-model shape, deriving reaction
// counts from the user sets.
func materialize(e *entry) models.Message {
	msg := e.msg
	if len(e.reactions) > 0 {
		msg.Reactions = make(map[string]models.Reaction, len(e.reactions))
		for key, users := range e.reactions {
			ids := users.ToSlice()
			sort.Strings(ids)
			msg.Reactions[key] = models.Reaction{Count: len(ids), UserIDs: ids}
		}
	}
	if msg.ReplyTo != nil {
		ref := *msg.ReplyTo
		msg.ReplyTo = &ref
	}
	return msg
}

// insert places e at its ordered position. Arrival order is not assumed to
// match timestamp order, so each addition finds its slot.
func (s *Store) insert(e *entry) {
	s.seq++
	e.seq = s.seq
	i := sort.Search(len(s.entries), func(i int) bool {
		return less(e, s.entries[i])
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	s.byID[e.msg.ID] = e
}

func (s *Store) remove(e *entry) {
	delete(s.byID, e.msg.ID)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	for id, ann := range s.annotations {
		if ann.targetID == e.msg.ID {
			delete(s.annotations, id)
		}
	}
}

// resort repositions an entry whose timestamp changed. The insertion seq
// is kept, so replays stay deterministic.
func (s *Store) resort(e *entry) {
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	i := sort.Search(len(s.entries), func(i int) bool {
		return less(e, s.entries[i])
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
}

func less(a, b *entry) bool {
	if a.msg.Timestamp != b.msg.Timestamp {
		return a.msg.Timestamp < b.msg.Timestamp
	}
	return a.seq < b.seq
}

func (s *Store) notify() {
	if s.onUpdate != nil {
		s.onUpdate()
	}
}
