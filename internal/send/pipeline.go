// Package send implements the optimistic send pipeline: a provisional
// message is inserted into the timeline before any network I/O, the
// protocol send runs under the retry executor, and on completion the
// provisional entry is either reconciled with the confirmed identity or
// marked errored (kept, never dropped).
package send

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	"github.com/rs/zerolog"

	"vestnik/internal/content"
	"vestnik/internal/models"
	"vestnik/internal/protocol"
	"vestnik/internal/retry"
	"vestnik/internal/timeline"
)

// Client is the slice of the protocol client the pipeline needs.
type Client interface {
	SendMessage(ctx context.Context, roomID string, content protocol.MessageContent) (string, int64, error)
	SendReaction(ctx context.Context, roomID, targetID, key string) (string, error)
	RedactEvent(ctx context.Context, roomID, eventID string) error
	UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error)
}

type Config struct {
	// Self is the local user's identity snapshot, stamped on provisional
	// messages.
	Self   models.Sender
	Retry  retry.Config
	Logger zerolog.Logger
	// Injectable clock for tests.
	Now func() time.Time
}

// Options shape one outgoing message.
type Options struct {
	// ReplyTo is the event id of the message being replied to.
	ReplyTo string
	// ThreadID is the root event id when posting into a thread.
	ThreadID string
	// Emote sends the message as an action ("/me") rather than plain text.
	Emote bool
}

// Pipeline sends into one room. Calls are independent: concurrent sends on
// the same pipeline do not serialize on each other, only on the timeline
// store's own mutex during the synchronous insert and reconcile steps.
type Pipeline struct {
	client Client
	store  *timeline.Store
	roomID string
	self   models.Sender
	retry  retry.Config
	log    zerolog.Logger
	now    func() time.Time
}

func NewPipeline(client Client, store *timeline.Store, cfg Config) *Pipeline {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Pipeline{
		client: client,
		store:  store,
		roomID: store.RoomID(),
		self:   cfg.Self,
		retry:  cfg.Retry,
		log:    cfg.Logger.With().Str("room_id", store.RoomID()).Logger(),
		now:    cfg.Now,
	}
	if p.retry.OnRetry == nil {
		p.retry.OnRetry = func(attempt int, err error) {
			p.log.Warn().Int("attempt", attempt).Err(err).Msg("retrying protocol operation")
		}
	}
	return p
}

// Send posts a text message. The provisional insert happens synchronously
// before the network call, so consumers see the echo immediately; that
// ordering is part of the contract, not an optimization.
func (p *Pipeline) Send(ctx context.Context, text string, opts Options) (models.Message, error) {
	now := p.now()

	msgType := models.TypeText
	wireType := protocol.MsgText
	if opts.Emote {
		msgType = models.TypeEmote
		wireType = protocol.MsgEmote
	}

	prov := models.Message{
		ID:        provisionalID(now),
		RoomID:    p.roomID,
		Type:      msgType,
		Content:   text,
		Sender:    p.self,
		Timestamp: now.UnixMilli(),
		Status:    models.StatusSending,
		ThreadID:  opts.ThreadID,
	}

	mc := protocol.MessageContent{MsgType: wireType, Body: text}
	if formatted := content.RenderMarkdown(text); formatted != "" {
		mc.FormattedBody = formatted
		prov.FormattedContent = formatted
	}
	p.applyRelations(&mc, &prov, opts)

	p.store.InsertProvisional(prov)
	return p.submit(ctx, prov, mc)
}

// SendMedia posts a media message. The payload kind and mime type are
// sniffed from the bytes; the blob is uploaded inside the retried region so
// a transient upload failure retries the whole submission.
func (p *Pipeline) SendMedia(ctx context.Context, fileName string, data []byte, opts Options) (models.Message, error) {
	now := p.now()

	kind := types.Unknown
	if t, err := filetype.Match(data); err == nil {
		kind = t
	}

	msgType := models.TypeFile
	wireType := protocol.MsgFile
	switch {
	case filetype.IsImage(data):
		msgType, wireType = models.TypeImage, protocol.MsgImage
	case filetype.IsAudio(data):
		msgType, wireType = models.TypeAudio, protocol.MsgAudio
	case filetype.IsVideo(data):
		msgType, wireType = models.TypeVideo, protocol.MsgVideo
	}

	prov := models.Message{
		ID:        provisionalID(now),
		RoomID:    p.roomID,
		Type:      msgType,
		Content:   fileName,
		Sender:    p.self,
		Timestamp: now.UnixMilli(),
		Status:    models.StatusSending,
		FileName:  fileName,
		FileSize:  int64(len(data)),
		MimeType:  kind.MIME.Value,
		ThreadID:  opts.ThreadID,
	}

	mc := protocol.MessageContent{
		MsgType:  wireType,
		Body:     fileName,
		FileName: fileName,
		Info: &protocol.FileInfo{
			MimeType: kind.MIME.Value,
			Size:     int64(len(data)),
		},
	}
	p.applyRelations(&mc, &prov, opts)

	p.store.InsertProvisional(prov)

	upload := mc
	res, err := retry.DoValue(ctx, p.retry, func(ctx context.Context) (confirm, error) {
		url, err := p.client.UploadMedia(ctx, data, kind.MIME.Value)
		if err != nil {
			return confirm{}, err
		}
		upload.URL = url
		id, ts, err := p.client.SendMessage(ctx, p.roomID, upload)
		return confirm{id: id, ts: ts}, err
	})
	return p.finish(prov, res.id, res.ts, err)
}

// Edit replaces an existing message's content. No provisional entry is
// involved; on failure the prior state is untouched and the error is
// returned to the caller.
func (p *Pipeline) Edit(ctx context.Context, eventID, text string) error {
	if _, ok := p.store.Get(eventID); !ok {
		return fmt.Errorf("edit %s: %w", eventID, models.ErrNotFound)
	}

	formatted := content.RenderMarkdown(text)
	mc := protocol.MessageContent{
		MsgType: protocol.MsgText,
		Body:    "* " + text,
		NewContent: &protocol.MessageContent{
			MsgType:       protocol.MsgText,
			Body:          text,
			FormattedBody: formatted,
		},
		RelatesTo: &protocol.RelatesTo{RelType: protocol.RelReplace, EventID: eventID},
	}

	res, err := retry.DoValue(ctx, p.retry, func(ctx context.Context) (confirm, error) {
		id, ts, err := p.client.SendMessage(ctx, p.roomID, mc)
		return confirm{id: id, ts: ts}, err
	})
	if err != nil {
		return err
	}

	// Folding with the confirmed relation id makes the live echo a no-op.
	return p.store.Edit(eventID, text, formatted, res.ts, res.id)
}

// Delete redacts a message and removes it from the timeline on success.
func (p *Pipeline) Delete(ctx context.Context, eventID string) error {
	if _, ok := p.store.Get(eventID); !ok {
		return fmt.Errorf("delete %s: %w", eventID, models.ErrNotFound)
	}

	err := retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.client.RedactEvent(ctx, p.roomID, eventID)
	})
	if err != nil {
		return err
	}
	return p.store.Remove(eventID)
}

// AddReaction annotates a message with key on behalf of the local user.
func (p *Pipeline) AddReaction(ctx context.Context, eventID, key string) error {
	if _, ok := p.store.Get(eventID); !ok {
		return fmt.Errorf("react to %s: %w", eventID, models.ErrNotFound)
	}

	annID, err := retry.DoValue(ctx, p.retry, func(ctx context.Context) (string, error) {
		return p.client.SendReaction(ctx, p.roomID, eventID, key)
	})
	if err != nil {
		return err
	}
	return p.store.AddReaction(annID, eventID, key, p.self.UserID, p.now().UnixMilli())
}

// RemoveReaction redacts the local user's annotation for key. With
// duplicate annotations the earliest is chosen deterministically.
func (p *Pipeline) RemoveReaction(ctx context.Context, eventID, key string) error {
	annID, ok := p.store.FindReaction(eventID, key, p.self.UserID)
	if !ok {
		return fmt.Errorf("remove reaction %q from %s: %w", key, eventID, models.ErrNotFound)
	}

	err := retry.Do(ctx, p.retry, func(ctx context.Context) error {
		return p.client.RedactEvent(ctx, p.roomID, annID)
	})
	if err != nil {
		return err
	}
	p.store.Redact(annID)
	return nil
}

type confirm struct {
	id string
	ts int64
}

func (p *Pipeline) applyRelations(mc *protocol.MessageContent, prov *models.Message, opts Options) {
	if opts.ReplyTo == "" && opts.ThreadID == "" {
		return
	}
	rel := &protocol.RelatesTo{}
	if opts.ThreadID != "" {
		rel.RelType = protocol.RelThread
		rel.EventID = opts.ThreadID
	}
	if opts.ReplyTo != "" {
		rel.InReplyTo = &protocol.InReplyTo{EventID: opts.ReplyTo}
		// Snapshot of the target at reply-creation time; never updated.
		if target, ok := p.store.Get(opts.ReplyTo); ok {
			prov.ReplyTo = &models.ReplyRef{
				ID:      target.ID,
				Content: target.Content,
				Sender:  target.Sender,
			}
		}
	}
	mc.RelatesTo = rel
}

func (p *Pipeline) submit(ctx context.Context, prov models.Message, mc protocol.MessageContent) (models.Message, error) {
	res, err := retry.DoValue(ctx, p.retry, func(ctx context.Context) (confirm, error) {
		id, ts, err := p.client.SendMessage(ctx, p.roomID, mc)
		return confirm{id: id, ts: ts}, err
	})
	return p.finish(prov, res.id, res.ts, err)
}

// finish reconciles a provisional entry on success or marks it errored on
// exhausted failure. The provisional message is retained either way.
func (p *Pipeline) finish(prov models.Message, eventID string, ts int64, err error) (models.Message, error) {
	if err != nil {
		p.log.Error().Err(err).Str("provisional_id", prov.ID).Msg("send failed")
		_ = p.store.MarkError(prov.ID, err.Error())
		if msg, ok := p.store.Get(prov.ID); ok {
			return msg, err
		}
		return prov, err
	}

	if rerr := p.store.ReconcileProvisional(prov.ID, eventID, ts); rerr != nil {
		p.log.Warn().Err(rerr).Str("provisional_id", prov.ID).Msg("reconcile failed")
	}
	if msg, ok := p.store.Get(eventID); ok {
		return msg, nil
	}
	prov.ID = eventID
	prov.Status = models.StatusSent
	return prov, nil
}

func provisionalID(now time.Time) string {
	return fmt.Sprintf("temp-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
