package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBSession is the persisted shape of one homeserver session.
type DBSession struct {
	ServerURL   string `msgpack:"serverUrl"`
	UserID      string `msgpack:"userId"`
	AccessToken string `msgpack:"accessToken"`
	DeviceID    string `msgpack:"deviceId"`
	DisplayName string `msgpack:"displayName"`
	// Unix seconds of the last successful connect.
	LastConnected int64 `msgpack:"lastConnected"`
}

func (s *DBSession) Key() []byte {
	return []byte(s.ServerURL)
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}
