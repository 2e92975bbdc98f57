// Package storage persists session credentials across runs. It backs the
// read-only SessionStore boundary the sync engine consumes; the engine's
// own timeline state is never persisted, it is rebuilt from the protocol
// client on each session.
package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"vestnik/internal/models"
)

var bucketSessions = []byte("sessions")

// Session is one stored credential set. It satisfies the engine's
// SessionStore interface.
type Session struct {
	ServerURL   string
	User        string
	Token       string
	Device      string
	DisplayName string
}

func (s Session) UserID() string      { return s.User }
func (s Session) AccessToken() string { return s.Token }
func (s Session) DeviceID() string    { return s.Device }

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertSession stores new or refreshed credentials for a homeserver.
func (s *BboltStorage) UpsertSession(sess Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		dbSess := &DBSession{
			ServerURL:     sess.ServerURL,
			UserID:        sess.User,
			AccessToken:   sess.Token,
			DeviceID:      sess.Device,
			DisplayName:   sess.DisplayName,
			LastConnected: time.Now().Unix(),
		}
		data, err := dbSess.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSess.Key(), data)
	})
}

// GetSession loads the stored credentials for a homeserver.
func (s *BboltStorage) GetSession(serverURL string) (Session, error) {
	var sess Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(serverURL))
		if data == nil {
			return models.ErrNotFound
		}
		var dbSess DBSession
		if err := dbSess.UnmarshalBinary(data); err != nil {
			return err
		}
		sess = Session{
			ServerURL:   dbSess.ServerURL,
			User:        dbSess.UserID,
			Token:       dbSess.AccessToken,
			Device:      dbSess.DeviceID,
			DisplayName: dbSess.DisplayName,
		}
		return nil
	})
	return sess, err
}

// DeleteSession removes stored credentials, e.g. on logout.
func (s *BboltStorage) DeleteSession(serverURL string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(serverURL))
	})
}

// ListSessions returns all stored sessions.
func (s *BboltStorage) ListSessions() ([]Session, error) {
	var sessions []Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.ForEach(func(k, v []byte) error {
			var dbSess DBSession
			if err := dbSess.UnmarshalBinary(v); err != nil {
				return err
			}
			sessions = append(sessions, Session{
				ServerURL:   dbSess.ServerURL,
				User:        dbSess.UserID,
				Token:       dbSess.AccessToken,
				Device:      dbSess.DeviceID,
				DisplayName: dbSess.DisplayName,
			})
			return nil
		})
	})
	return sessions, err
}
