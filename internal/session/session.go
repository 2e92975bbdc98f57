// Package session owns the per-room sync machinery for one logged-in user:
// timeline stores, send pipelines, and room event subscriptions. Everything
// is constructed at session start and torn down at session end; there is no
// module-level state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vestnik/internal/models"
	"vestnik/internal/protocol"
	"vestnik/internal/retry"
	"vestnik/internal/roster"
	"vestnik/internal/send"
	"vestnik/internal/timeline"
)

const (
	DefaultPageSize     = 50
	defaultReadyPoll    = 250 * time.Millisecond
	defaultDedupeWindow = timeline.DefaultDedupWindow
)

type Config struct {
	// PageSize bounds the initial timeline load per room.
	PageSize int
	Retry    retry.Config
	// DedupWindow bounds the per-room memory of applied relation ids.
	DedupWindow time.Duration
	// OnTimeline fires after a room's visible timeline state changed.
	OnTimeline func(roomID string)
	Logger     zerolog.Logger
	// Injectable clock for tests.
	Now func() time.Time

	// readyPoll overrides the not-ready probing interval in tests.
	readyPoll time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupeWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.readyPoll <= 0 {
		c.readyPoll = defaultReadyPoll
	}
	return c
}

// room bundles one subscribed room's machinery. pipeline stays nil until
// the protocol client became ready and the room was attached.
type room struct {
	store        *timeline.Store
	pipeline     *send.Pipeline
	state        protocol.Room
	refs         int
	ctx          context.Context
	cancel       context.CancelFunc
	cancelStream func()
}

// Session is the explicit, dependency-injected registry of room state for
// one protocol session.
type Session struct {
	client protocol.Client
	self   models.Sender
	cfg    Config
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

func New(ctx context.Context, client protocol.Client, creds protocol.SessionStore, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		client: client,
		self:   models.Sender{UserID: creds.UserID(), DisplayName: creds.UserID()},
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*room),
	}
}

// Subscribe attaches to a room's event stream and starts the initial
// timeline load. A not-yet-initialized client is tolerated: attachment is
// deferred until the client reports ready. Multiple subscriptions to the
// same room share one store.
func (s *Session) Subscribe(roomID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, models.ErrClosed
	}

	r, ok := s.rooms[roomID]
	if !ok {
		rctx, rcancel := context.WithCancel(s.ctx)
		r = &room{ctx: rctx, cancel: rcancel}
		r.store = timeline.New(rctx, timeline.Config{
			RoomID:      roomID,
			DedupWindow: s.cfg.DedupWindow,
			Logger:      s.log,
			Now:         s.cfg.Now,
			OnUpdate:    s.timelineUpdated(roomID),
		})
		s.rooms[roomID] = r
		go s.attach(r, roomID)
	}
	r.refs++

	return &Subscription{s: s, roomID: roomID, store: r.store}, nil
}

// attach waits for client readiness, resolves the room, registers the live
// listener, and backfills the initial page. The listener callback is the
// sole feeder of ApplyEvent for live traffic.
func (s *Session) attach(r *room, roomID string) {
	state, ok := s.waitForRoom(r.ctx, roomID)
	if !ok {
		return
	}

	self := s.self
	if m, found := state.Member(self.UserID); found {
		m.UserID = self.UserID
		self = m
	}

	pipeline := send.NewPipeline(s.client, r.store, send.Config{
		Self:   self,
		Retry:  s.cfg.Retry,
		Logger: s.log,
		Now:    s.cfg.Now,
	})

	cancelStream := state.Subscribe(func(ev protocol.RawEvent) {
		r.store.ApplyEvent(ev, state)
	})

	s.mu.Lock()
	if cur, live := s.rooms[roomID]; !live || cur != r || r.ctx.Err() != nil {
		s.mu.Unlock()
		cancelStream()
		return
	}
	r.state = state
	r.pipeline = pipeline
	r.cancelStream = cancelStream
	s.mu.Unlock()

	r.store.ApplyInitial(state.RecentEvents(s.cfg.PageSize), state)
	s.log.Debug().Str("room_id", roomID).Msg("room attached")
}

// waitForRoom polls until the client is initialized and knows the room.
// Subscribe on a not-ready client is deferred work, not an error.
func (s *Session) waitForRoom(ctx context.Context, roomID string) (protocol.Room, bool) {
	t := time.NewTicker(s.cfg.readyPoll)
	defer t.Stop()
	for {
		if s.client.Initialized() {
			if state, err := s.client.Room(roomID); err == nil {
				return state, true
			}
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-t.C:
		}
	}
}

// Send posts a text message into roomID through the optimistic pipeline.
func (s *Session) Send(ctx context.Context, roomID, text string, opts send.Options) (models.Message, error) {
	p, rctx, done, err := s.pipeline(ctx, roomID)
	if err != nil {
		return models.Message{}, err
	}
	defer done()
	return p.Send(rctx, text, opts)
}

// SendMedia posts a media message into roomID.
func (s *Session) SendMedia(ctx context.Context, roomID, fileName string, data []byte, opts send.Options) (models.Message, error) {
	p, rctx, done, err := s.pipeline(ctx, roomID)
	if err != nil {
		return models.Message{}, err
	}
	defer done()
	return p.SendMedia(rctx, fileName, data, opts)
}

func (s *Session) Edit(ctx context.Context, roomID, eventID, text string) error {
	p, rctx, done, err := s.pipeline(ctx, roomID)
	if err != nil {
		return err
	}
	defer done()
	return p.Edit(rctx, eventID, text)
}

func (s *Session) Delete(ctx context.Context, roomID, eventID string) error {
	p, rctx, done, err := s.pipeline(ctx, roomID)
	if err != nil {
		return err
	}
	defer done()
	return p.Delete(rctx, eventID)
}

func (s *Session) AddReaction(ctx context.Context, roomID, eventID, key string) error {
	p, rctx, done, err := s.pipeline(ctx, roomID)
	if err != nil {
		return err
	}
	defer done()
	return p.AddReaction(rctx, eventID, key)
}

func (s *Session) RemoveReaction(ctx context.Context, roomID, eventID, key string) error {
	p, rctx, done, err := s.pipeline(ctx, roomID)
	if err != nil {
		return err
	}
	defer done()
	return p.RemoveReaction(rctx, eventID, key)
}

// Typing is a thin pass-through to the protocol client.
func (s *Session) Typing(ctx context.Context, roomID string, typing bool) error {
	return s.client.SendTyping(ctx, roomID, typing)
}

func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	return s.client.JoinRoom(ctx, roomID)
}

func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	return s.client.LeaveRoom(ctx, roomID)
}

// Rooms projects the current roster. It is recomputed wholesale per call.
func (s *Session) Rooms() []models.RoomInfo {
	return roster.Project(s.client)
}

// Timeline returns the room's read model, or nil when not subscribed.
func (s *Session) Timeline(roomID string) []models.Message {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return r.store.Snapshot()
}

// Close tears the session down: every room subscription is cancelled and
// every pending retry is released. No timer outlives the session.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	rooms := s.rooms
	s.rooms = make(map[string]*room)
	s.closed = true
	s.mu.Unlock()

	for _, r := range rooms {
		r.cancel()
		if r.cancelStream != nil {
			r.cancelStream()
		}
	}
	s.log.Debug().Msg("session closed")
}

// pipeline resolves the room's pipeline and binds the caller's context to
// the room lifetime, so disposing the room cancels in-flight retries.
func (s *Session) pipeline(ctx context.Context, roomID string) (*send.Pipeline, context.Context, func(), error) {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok || r.pipeline == nil {
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, nil, nil, models.ErrClosed
		}
		if !ok {
			return nil, nil, nil, models.ErrRoomNotFound
		}
		return nil, nil, nil, models.ErrNotReady
	}
	p := r.pipeline
	rctx := r.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(rctx, cancel)
	return p, ctx, func() { stop(); cancel() }, nil
}

func (s *Session) timelineUpdated(roomID string) func() {
	if s.cfg.OnTimeline == nil {
		return nil
	}
	return func() { s.cfg.OnTimeline(roomID) }
}

// Subscription is a typed handle on one room subscription. Dispose is
// idempotent; the last dispose detaches the listener and cancels the
// room's outstanding retries.
type Subscription struct {
	s      *Session
	roomID string
	store  *timeline.Store
	once   sync.Once
}

// Snapshot returns the room's consistent, ordered read model.
func (sub *Subscription) Snapshot() []models.Message {
	return sub.store.Snapshot()
}

// Thread returns the root message and its replies in timeline order.
func (sub *Subscription) Thread(rootID string) []models.Message {
	return sub.store.Thread(rootID)
}

func (sub *Subscription) RoomID() string { return sub.roomID }

func (sub *Subscription) Dispose() {
	sub.once.Do(func() {
		s := sub.s
		s.mu.Lock()
		r, ok := s.rooms[sub.roomID]
		if !ok {
			s.mu.Unlock()
			return
		}
		r.refs--
		if r.refs > 0 {
			s.mu.Unlock()
			return
		}
		delete(s.rooms, sub.roomID)
		s.mu.Unlock()

		r.cancel()
		if r.cancelStream != nil {
			r.cancelStream()
		}
	})
}
