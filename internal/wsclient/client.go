// Package wsclient is the websocket implementation of the protocol client
// boundary: one shared connection per session, msgpack frames, and
// txn-correlated acks for request/response primitives.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"vestnik/internal/models"
	"vestnik/internal/protocol"
)

type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Client struct {
	conn wsConn
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	initialized atomic.Bool

	roomsMu sync.RWMutex
	rooms   map[string]*Room

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame
}

// Dial connects and authenticates against the homeserver's sync endpoint.
// The client is not Initialized until the first sync frame lands.
func Dial(ctx context.Context, url string, creds protocol.SessionStore, log zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := newClient(conn, log)
	if err := c.write(Frame{
		Op:          OpAuth,
		UserID:      creds.UserID(),
		AccessToken: creds.AccessToken(),
		DeviceID:    creds.DeviceID(),
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func newClient(conn wsConn, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:    conn,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]*Room),
		pending: make(map[string]chan Frame),
	}
}

func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close()
}

func (c *Client) Initialized() bool {
	return c.initialized.Load()
}

func (c *Client) Room(roomID string) (protocol.Room, error) {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	r, ok := c.rooms[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return r, nil
}

func (c *Client) Rooms() []protocol.Room {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	out := make([]protocol.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Client) SendMessage(ctx context.Context, roomID string, content protocol.MessageContent) (string, int64, error) {
	ack, err := c.request(ctx, Frame{
		Op:      OpSend,
		RoomID:  roomID,
		Content: protocol.EncodeContent(content),
	})
	if err != nil {
		return "", 0, err
	}
	return ack.EventID, ack.Timestamp, nil
}

func (c *Client) SendReaction(ctx context.Context, roomID, targetID, key string) (string, error) {
	ack, err := c.request(ctx, Frame{
		Op:       OpReact,
		RoomID:   roomID,
		TargetID: targetID,
		Key:      key,
	})
	if err != nil {
		return "", err
	}
	return ack.EventID, nil
}

func (c *Client) RedactEvent(ctx context.Context, roomID, eventID string) error {
	_, err := c.request(ctx, Frame{Op: OpRedact, RoomID: roomID, TargetID: eventID})
	return err
}

func (c *Client) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	ack, err := c.request(ctx, Frame{Op: OpUpload, Data: data, MimeType: mimeType})
	if err != nil {
		return "", err
	}
	return ack.URL, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	_, err := c.request(ctx, Frame{Op: OpJoin, RoomID: roomID})
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := c.request(ctx, Frame{Op: OpLeave, RoomID: roomID})
	return err
}

// SendTyping is fire-and-forget; the server does not ack typing frames.
func (c *Client) SendTyping(_ context.Context, roomID string, typing bool) error {
	return c.write(Frame{Op: OpTyping, RoomID: roomID, Typing: typing})
}

// request writes a txn-tagged frame and waits for the matching ack.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	f.TxnID = uuid.NewString()

	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[f.TxnID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.TxnID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return Frame{}, err
	}

	select {
	case ack := <-ch:
		if ack.Op == OpError || ack.Error != "" {
			return Frame{}, errors.New(ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.ctx.Done():
		return Frame{}, models.ErrClosed
	}
}

func (c *Client) write(f Frame) error {
	data, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// readLoop pumps frames off the connection until it closes, dispatching
// pushes to rooms and acks to their waiting requests.
func (c *Client) readLoop() {
	defer c.cancel()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("connection read failed")
			}
			return
		}
		var f Frame
		if err := msgpack.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Op {
	case OpSync:
		c.applySync(f.Rooms)
		c.initialized.Store(true)

	case OpEvent:
		if f.Event == nil {
			return
		}
		c.roomsMu.RLock()
		r, ok := c.rooms[f.Event.RoomID]
		c.roomsMu.RUnlock()
		if !ok {
			c.log.Debug().Str("room_id", f.Event.RoomID).Msg("event for unknown room dropped")
			return
		}
		r.deliver(*f.Event)

	case OpAck, OpError:
		c.pendingMu.Lock()
		ch, ok := c.pending[f.TxnID]
		c.pendingMu.Unlock()
		if ok {
			ch <- f
		}

	default:
		c.log.Debug().Str("op", string(f.Op)).Msg("unhandled frame op")
	}
}

func (c *Client) applySync(snaps []RoomSnapshot) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	known := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		known[snap.ID] = true
		if r, ok := c.rooms[snap.ID]; ok {
			r.update(snap)
			continue
		}
		c.rooms[snap.ID] = newRoom(snap)
	}
	for id := range c.rooms {
		if !known[id] {
			delete(c.rooms, id)
		}
	}
}
