package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vestnik/internal/config"
	"vestnik/internal/models"
	"vestnik/internal/retry"
	"vestnik/internal/send"
	"vestnik/internal/session"
	"vestnik/internal/storage"
	"vestnik/internal/wsclient"
)

func run(ctx context.Context) error {
	roomID := flag.String("room", "", "Room id to open")
	listRooms := flag.Bool("rooms", false, "Print the roster and exit")
	logout := flag.Bool("logout", false, "Forget the stored session and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	store, err := storage.NewBboltStorage(cfg.SessionFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if *logout {
		return store.DeleteSession(cfg.ServerURL)
	}

	creds, err := resolveSession(store, cfg)
	if err != nil {
		return err
	}

	client, err := wsclient.Dial(ctx, cfg.ServerURL, creds, log)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	updates := make(chan string, 64)
	sess := session.New(ctx, client, creds, session.Config{
		PageSize:    cfg.PageSize,
		DedupWindow: cfg.DedupWindow,
		Retry: retry.Config{
			MaxAttempts: cfg.RetryAttempts,
			Delay:       cfg.RetryDelay,
			OnRetry: func(attempt int, err error) {
				log.Warn().Int("attempt", attempt).Err(err).Msg("retrying")
			},
		},
		Logger: log,
		OnTimeline: func(roomID string) {
			select {
			case updates <- roomID:
			default:
			}
		},
	})
	defer sess.Close()

	if *listRooms {
		return printRoster(sess)
	}

	if *roomID == "" {
		return errors.New("a -room id is required (or -rooms to list them)")
	}

	sub, err := sess.Subscribe(*roomID)
	if err != nil {
		return err
	}
	defer sub.Dispose()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return printTimeline(gCtx, sub, updates)
	})

	g.Go(func() error {
		return readInput(gCtx, sess, *roomID)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return nil
	})

	return g.Wait()
}

// resolveSession restores stored credentials or creates them from the
// environment on first run.
func resolveSession(store *storage.BboltStorage, cfg *config.Config) (storage.Session, error) {
	creds, err := store.GetSession(cfg.ServerURL)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return storage.Session{}, err
	}

	if cfg.UserID == "" || cfg.AccessToken == "" {
		return storage.Session{}, errors.New("no stored session: set VESTNIK_USER and VESTNIK_TOKEN")
	}
	creds = storage.Session{
		ServerURL: cfg.ServerURL,
		User:      cfg.UserID,
		Token:     cfg.AccessToken,
		Device:    cfg.DeviceID,
	}
	if err := store.UpsertSession(creds); err != nil {
		return storage.Session{}, err
	}
	return creds, nil
}

func printRoster(sess *session.Session) error {
	for _, info := range sess.Rooms() {
		marker := " "
		if info.UnreadCount > 0 {
			marker = "*"
		}
		fmt.Printf("%s %-30s [%s] %d unread\n", marker, info.Name, info.Category, info.UnreadCount)
	}
	return nil
}

// printTimeline prints messages as the room's read model changes. Edits and
// status flips reprint the affected line; everything is keyed by event id.
func printTimeline(ctx context.Context, sub *session.Subscription, updates <-chan string) error {
	printed := make(map[string]models.Message)
	render := func() {
		for _, msg := range sub.Snapshot() {
			if prev, ok := printed[msg.ID]; ok && prev.Content == msg.Content &&
				prev.Status == msg.Status && len(prev.Reactions) == len(msg.Reactions) {
				continue
			}
			printed[msg.ID] = msg
			printMessage(msg)
		}
	}
	render()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case roomID := <-updates:
			if roomID != sub.RoomID() {
				continue
			}
			render()
		}
	}
}

func printMessage(msg models.Message) {
	ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")
	body := msg.Content
	if msg.Edited() {
		body += " (edited)"
	}
	if msg.Status == models.StatusError {
		body += " [failed: " + msg.Error + "]"
	}
	var reactions []string
	for key, r := range msg.Reactions {
		reactions = append(reactions, fmt.Sprintf("%s x%d", key, r.Count))
	}
	sort.Strings(reactions)
	line := fmt.Sprintf("%s <%s> %s", ts, msg.Sender.DisplayName, body)
	if len(reactions) > 0 {
		line += "  {" + strings.Join(reactions, ", ") + "}"
	}
	fmt.Println(line)
}

func readInput(ctx context.Context, sess *session.Session, roomID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := sess.Send(ctx, roomID, line, send.Options{}); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "vestnik: %v\n", err)
		os.Exit(1)
	}
}
