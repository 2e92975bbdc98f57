package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"vestnik/internal/protocol"
	"vestnik/internal/retry"
	"vestnik/internal/send"
	"vestnik/internal/session"
	"vestnik/internal/wsclient"
)

// testServer is a minimal homeserver speaking the sync wire protocol: it
// answers auth with a sync snapshot, acks submissions, and echoes the
// resulting events back like a real server would.
type testServer struct {
	t *testing.T

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int
	authed  []wsclient.Frame
	redacts []string
}

func (s *testServer) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wsclient.Frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			s.t.Errorf("server: bad frame: %v", err)
			return
		}
		s.dispatch(conn, f)
	}
}

func (s *testServer) dispatch(conn *websocket.Conn, f wsclient.Frame) {
	switch f.Op {
	case wsclient.OpAuth:
		s.mu.Lock()
		s.authed = append(s.authed, f)
		s.mu.Unlock()
		s.write(conn, wsclient.Frame{Op: wsclient.OpSync, Rooms: []wsclient.RoomSnapshot{{
			ID:     "!room",
			Name:   "General",
			Public: true,
			Members: []wsclient.MemberSnapshot{
				{UserID: "@me:hs", DisplayName: "Me"},
				{UserID: "@alice:hs", DisplayName: "Alice"},
			},
			Recent: []protocol.RawEvent{{
				ID:        "$history",
				RoomID:    "!room",
				Sender:    "@alice:hs",
				Kind:      protocol.EventMessage,
				Timestamp: 1000,
				Content:   map[string]any{"msgtype": "m.text", "body": "welcome"},
			}},
		}}})

	case wsclient.OpSend:
		s.mu.Lock()
		s.nextID++
		id := fmt.Sprintf("$srv-%d", s.nextID)
		ts := int64(10000 + s.nextID)
		s.mu.Unlock()
		s.write(conn, wsclient.Frame{Op: wsclient.OpAck, TxnID: f.TxnID, EventID: id, Timestamp: ts})
		s.write(conn, wsclient.Frame{Op: wsclient.OpEvent, Event: &protocol.RawEvent{
			ID:        id,
			RoomID:    f.RoomID,
			Sender:    "@me:hs",
			Kind:      protocol.EventMessage,
			Timestamp: ts,
			Content:   f.Content,
		}})

	case wsclient.OpReact:
		s.mu.Lock()
		s.nextID++
		id := fmt.Sprintf("$ann-%d", s.nextID)
		s.mu.Unlock()
		s.write(conn, wsclient.Frame{Op: wsclient.OpAck, TxnID: f.TxnID, EventID: id})

	case wsclient.OpRedact:
		s.mu.Lock()
		s.redacts = append(s.redacts, f.TargetID)
		s.mu.Unlock()
		s.write(conn, wsclient.Frame{Op: wsclient.OpAck, TxnID: f.TxnID})

	case wsclient.OpTyping:
		// fire and forget

	default:
		s.write(conn, wsclient.Frame{Op: wsclient.OpError, TxnID: f.TxnID, Error: "unsupported"})
	}
}

func (s *testServer) write(conn *websocket.Conn, f wsclient.Frame) {
	data, err := msgpack.Marshal(f)
	if err != nil {
		s.t.Errorf("server: encode: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteMessage(websocket.BinaryMessage, data)
}

type testCreds struct{}

func (testCreds) UserID() string      { return "@me:hs" }
func (testCreds) AccessToken() string { return "syt_test" }
func (testCreds) DeviceID() string    { return "TESTDEV" }

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestIntegration(t *testing.T) {
	srv := &testServer{t: t}
	httpSrv := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := wsclient.Dial(ctx, wsURL, testCreds{}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	sess := session.New(ctx, client, testCreds{}, session.Config{
		Retry: retry.Config{MaxAttempts: 2, Delay: 10 * time.Millisecond},
	})
	defer sess.Close()

	sub, err := sess.Subscribe("!room")
	require.NoError(t, err)
	defer sub.Dispose()

	// Step 1: the backfilled history appears.
	waitUntil(t, func() bool { return len(sub.Snapshot()) == 1 })
	snap := sub.Snapshot()
	require.Equal(t, "welcome", snap[0].Content)
	require.Equal(t, "Alice", snap[0].Sender.DisplayName)

	// Step 2: send a message; it lands with the server identity and exactly
	// once, even though the server echoes it back.
	msg, err := sess.Send(ctx, "!room", "hello there", send.Options{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(msg.ID, "$srv-"))

	waitUntil(t, func() bool { return len(sub.Snapshot()) == 2 })
	time.Sleep(50 * time.Millisecond) // allow a duplicate echo to surface
	snap = sub.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "hello there", snap[1].Content)
	require.Equal(t, "Me", snap[1].Sender.DisplayName)

	// Step 3: edit it.
	require.NoError(t, sess.Edit(ctx, "!room", msg.ID, "hello world"))
	waitUntil(t, func() bool {
		s := sub.Snapshot()
		return len(s) == 2 && s[1].Content == "hello world"
	})
	snap = sub.Snapshot()
	require.Equal(t, "hello there", snap[1].OriginalContent)
	require.True(t, snap[1].Edited())

	// Step 4: react and retract the reaction.
	require.NoError(t, sess.AddReaction(ctx, "!room", msg.ID, "👍"))
	snap = sub.Snapshot()
	require.Equal(t, 1, snap[1].Reactions["👍"].Count)

	require.NoError(t, sess.RemoveReaction(ctx, "!room", msg.ID, "👍"))
	snap = sub.Snapshot()
	require.Empty(t, snap[1].Reactions)

	// Step 5: delete the message.
	require.NoError(t, sess.Delete(ctx, "!room", msg.ID))
	snap = sub.Snapshot()
	require.Len(t, snap, 1)
	srv.mu.Lock()
	redacted := append([]string(nil), srv.redacts...)
	srv.mu.Unlock()
	require.Contains(t, redacted, msg.ID)

	// Step 6: the roster reflects the room.
	rooms := sess.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, "General", rooms[0].Name)

	// Step 7: credentials were presented on the wire.
	srv.mu.Lock()
	authed := append([]wsclient.Frame(nil), srv.authed...)
	srv.mu.Unlock()
	require.Len(t, authed, 1)
	require.Equal(t, "@me:hs", authed[0].UserID)
	require.Equal(t, "syt_test", authed[0].AccessToken)
}
