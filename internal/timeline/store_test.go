package timeline

import (
	"context"
	"fmt"
	"testing"

	"vestnik/internal/models"
	"vestnik/internal/protocol"
)

type fakeRoom struct {
	members map[string]models.Sender
}

func (r *fakeRoom) Member(userID string) (models.Sender, bool) {
	m, ok := r.members[userID]
	return m, ok
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(context.Background(), Config{RoomID: "!room"})
}

func msgEvent(id, sender string, ts int64, body string) protocol.RawEvent {
	return protocol.RawEvent{
		ID:        id,
		RoomID:    "!room",
		Sender:    sender,
		Kind:      protocol.EventMessage,
		Timestamp: ts,
		Content: map[string]any{
			"msgtype": "m.text",
			"body":    body,
		},
	}
}

func reactionEvent(id, targetID, key, sender string, ts int64) protocol.RawEvent {
	return protocol.RawEvent{
		ID:        id,
		RoomID:    "!room",
		Sender:    sender,
		Kind:      protocol.EventReaction,
		Timestamp: ts,
		Content: map[string]any{
			"m.relates_to": map[string]any{
				"rel_type": "m.annotation",
				"event_id": targetID,
				"key":      key,
			},
		},
	}
}

func redactionEvent(id, targetID string) protocol.RawEvent {
	return protocol.RawEvent{
		ID:      id,
		RoomID:  "!room",
		Sender:  "@mod:hs",
		Kind:    protocol.EventRedaction,
		Redacts: targetID,
	}
}

func editEvent(id, targetID, sender string, ts int64, newBody string) protocol.RawEvent {
	return protocol.RawEvent{
		ID:        id,
		RoomID:    "!room",
		Sender:    sender,
		Kind:      protocol.EventMessage,
		Timestamp: ts,
		Content: map[string]any{
			"msgtype": "m.text",
			"body":    "* " + newBody,
			"m.new_content": map[string]any{
				"msgtype": "m.text",
				"body":    newBody,
			},
			"m.relates_to": map[string]any{
				"rel_type": "m.replace",
				"event_id": targetID,
			},
		},
	}
}

func TestStore_OrderingByTimestamp(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}

	// Deliver out of timestamp order.
	s.ApplyEvent(msgEvent("$c", "@alice:hs", 3000, "third"), room)
	s.ApplyEvent(msgEvent("$a", "@alice:hs", 1000, "first"), room)
	s.ApplyEvent(msgEvent("$b", "@alice:hs", 2000, "second"), room)

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	for i, want := range []string{"first", "second", "third"} {
		if snap[i].Content != want {
			t.Errorf("index %d: expected %q, got %q", i, want, snap[i].Content)
		}
	}
}

func TestStore_OrderingTieBreak(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}

	// Same timestamp: insertion order must decide.
	s.ApplyEvent(msgEvent("$x", "@alice:hs", 1000, "x"), room)
	s.ApplyEvent(msgEvent("$y", "@alice:hs", 1000, "y"), room)
	s.ApplyEvent(msgEvent("$z", "@alice:hs", 1000, "z"), room)

	snap := s.Snapshot()
	for i, want := range []string{"x", "y", "z"} {
		if snap[i].Content != want {
			t.Errorf("index %d: expected %q, got %q", i, want, snap[i].Content)
		}
	}
}

func TestStore_SenderSnapshot(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{members: map[string]models.Sender{
		"@alice:hs": {UserID: "@alice:hs", DisplayName: "Alice"},
	}}

	s.ApplyEvent(msgEvent("$a", "@alice:hs", 1000, "hi"), room)
	s.ApplyEvent(msgEvent("$b", "@ghost:hs", 2000, "boo"), room)

	snap := s.Snapshot()
	if snap[0].Sender.DisplayName != "Alice" {
		t.Errorf("expected resolved display name Alice, got %q", snap[0].Sender.DisplayName)
	}
	// Unknown member falls back to the bare user id.
	if snap[1].Sender.DisplayName != "@ghost:hs" {
		t.Errorf("expected fallback display name, got %q", snap[1].Sender.DisplayName)
	}
}

func TestStore_ReplySnapshot(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}

	s.ApplyEvent(msgEvent("$root", "@alice:hs", 1000, "original"), room)

	reply := msgEvent("$reply", "@bob:hs", 2000, "response")
	reply.Content["m.relates_to"] = map[string]any{
		"m.in_reply_to": map[string]any{"event_id": "$root"},
	}
	s.ApplyEvent(reply, room)

	msg, ok := s.Get("$reply")
	if !ok {
		t.Fatal("reply not found")
	}
	if msg.ReplyTo == nil {
		t.Fatal("expected reply snapshot")
	}
	if msg.ReplyTo.Content != "original" {
		t.Errorf("expected snapshot content 'original', got %q", msg.ReplyTo.Content)
	}

	// The snapshot is point-in-time: editing the target must not change it.
	s.ApplyEvent(editEvent("$edit", "$root", "@alice:hs", 3000, "changed"), room)
	msg, _ = s.Get("$reply")
	if msg.ReplyTo.Content != "original" {
		t.Errorf("reply snapshot changed after target edit: %q", msg.ReplyTo.Content)
	}
}

func TestStore_ReconcileProvisional(t *testing.T) {
	s := newTestStore(t)

	s.InsertProvisional(models.Message{ID: "temp-1", RoomID: "!room", Content: "hi", Timestamp: 1000})

	if err := s.ReconcileProvisional("temp-1", "$confirmed", 1500); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if _, ok := s.Get("temp-1"); ok {
		t.Error("provisional id still resolvable after reconcile")
	}
	msg, ok := s.Get("$confirmed")
	if !ok {
		t.Fatal("confirmed id not found")
	}
	if msg.Status != models.StatusSent {
		t.Errorf("expected status sent, got %s", msg.Status)
	}
	if msg.Timestamp != 1500 {
		t.Errorf("expected server timestamp 1500, got %d", msg.Timestamp)
	}
	if s.Len() != 1 {
		t.Errorf("expected exactly 1 entry, got %d", s.Len())
	}
}

func TestStore_ReconcileProvisional_EchoFirst(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}

	s.InsertProvisional(models.Message{ID: "temp-1", RoomID: "!room", Content: "hi", Timestamp: 1000})

	// The live echo of the own send lands before the ack callback runs.
	s.ApplyEvent(msgEvent("$confirmed", "@me:hs", 1500, "hi"), room)

	if err := s.ReconcileProvisional("temp-1", "$confirmed", 1500); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if s.Len() != 1 {
		t.Fatalf("expected exactly 1 entry after echo race, got %d", s.Len())
	}
	msg, ok := s.Get("$confirmed")
	if !ok {
		t.Fatal("confirmed entry missing")
	}
	if msg.Content != "hi" {
		t.Errorf("expected echo content kept, got %q", msg.Content)
	}
}

func TestStore_ReconcileProvisional_Unknown(t *testing.T) {
	s := newTestStore(t)
	if err := s.ReconcileProvisional("temp-x", "$y", 0); err != models.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_EchoAfterReconcile(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}

	s.InsertProvisional(models.Message{ID: "temp-1", RoomID: "!room", Content: "hi", Timestamp: 1000})
	if err := s.ReconcileProvisional("temp-1", "$confirmed", 1500); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	// Late echo of the same event must fold into the existing entry.
	s.ApplyEvent(msgEvent("$confirmed", "@me:hs", 1500, "hi"), room)

	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}
	msg, _ := s.Get("$confirmed")
	if msg.Status != models.StatusDelivered {
		t.Errorf("expected status delivered after echo, got %s", msg.Status)
	}
}

func TestStore_MarkErrorKeepsMessage(t *testing.T) {
	s := newTestStore(t)

	s.InsertProvisional(models.Message{ID: "temp-1", RoomID: "!room", Content: "hi", Timestamp: 1000})
	if err := s.MarkError("temp-1", "connection reset"); err != nil {
		t.Fatalf("MarkError failed: %v", err)
	}

	msg, ok := s.Get("temp-1")
	if !ok {
		t.Fatal("failed message was removed")
	}
	if msg.Status != models.StatusError {
		t.Errorf("expected status error, got %s", msg.Status)
	}
	if msg.Error != "connection reset" {
		t.Errorf("expected error cause preserved, got %q", msg.Error)
	}
}

func TestStore_Redaction_RemovesMessage(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}

	s.ApplyEvent(msgEvent("$a", "@alice:hs", 1000, "doomed"), room)
	s.ApplyEvent(redactionEvent("$r", "$a"), room)

	if _, ok := s.Get("$a"); ok {
		t.Error("redacted message still present")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty timeline, got %d entries", s.Len())
	}
}

func TestStore_Redaction_UnknownTarget(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}
	// Must not panic or change state.
	s.ApplyEvent(redactionEvent("$r", "$missing"), room)
	if s.Len() != 0 {
		t.Errorf("expected empty timeline, got %d", s.Len())
	}
}

func TestStore_Thread(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}

	s.ApplyEvent(msgEvent("$root", "@alice:hs", 1000, "root"), room)
	s.ApplyEvent(msgEvent("$other", "@bob:hs", 1500, "unrelated"), room)

	threaded := msgEvent("$t1", "@bob:hs", 2000, "in thread")
	threaded.Content["m.relates_to"] = map[string]any{
		"rel_type": "m.thread",
		"event_id": "$root",
	}
	s.ApplyEvent(threaded, room)

	thread := s.Thread("$root")
	if len(thread) != 2 {
		t.Fatalf("expected root plus 1 reply, got %d", len(thread))
	}
	if thread[0].ID != "$root" || thread[1].ID != "$t1" {
		t.Errorf("unexpected thread order: %s, %s", thread[0].ID, thread[1].ID)
	}
}

func TestStore_OnUpdateFires(t *testing.T) {
	updates := 0
	s := New(context.Background(), Config{
		RoomID:   "!room",
		OnUpdate: func() { updates++ },
	})
	room := &fakeRoom{}

	s.ApplyEvent(msgEvent("$a", "@alice:hs", 1000, "hi"), room)
	if updates != 1 {
		t.Errorf("expected 1 update after insert, got %d", updates)
	}

	s.ApplyEvent(reactionEvent("$ann", "$a", "👍", "@bob:hs", 2000), room)
	if updates != 2 {
		t.Errorf("expected 2 updates after reaction, got %d", updates)
	}

	// Discarded events must not fire the callback.
	s.ApplyEvent(protocol.RawEvent{ID: "$m", Sender: "@x:hs", Kind: protocol.EventMember}, room)
	if updates != 2 {
		t.Errorf("expected no update for member event, got %d", updates)
	}
}

func TestStore_ApplyInitial(t *testing.T) {
	s := newTestStore(t)
	room := &fakeRoom{}

	events := make([]protocol.RawEvent, 0, 10)
	for i := 0; i < 10; i++ {
		events = append(events, msgEvent(fmt.Sprintf("$e%d", i), "@alice:hs", int64(1000+i), fmt.Sprintf("msg %d", i)))
	}
	s.ApplyInitial(events, room)

	if s.Len() != 10 {
		t.Fatalf("expected 10 messages, got %d", s.Len())
	}

	// Replaying the same page must not duplicate anything.
	s.ApplyInitial(events, room)
	if s.Len() != 10 {
		t.Errorf("expected 10 messages after replay, got %d", s.Len())
	}
}
