package storage

import (
	"encoding"
	"encoding/binary"

	"chatrelay/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var (
	_ Storeable = (*DBUser)(nil)
	_ Storeable = (*DBMessage)(nil)
	_ Storeable = (*DBFile)(nil)
	_ Storeable = (*DBPushSubscription)(nil)
)

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	Online      bool   `msgpack:"online"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func newDBUser(u models.User) DBUser {
	return DBUser{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Online:      u.Online,
		LastSeen:    u.LastSeen,
	}
}

func (u *DBUser) Model() models.User {
	return models.User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Online:      u.Online,
		LastSeen:    u.LastSeen,
	}
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBMessage struct {
	ID             string `msgpack:"id"`
	Seq            int64  `msgpack:"seq"`
	ConversationID string `msgpack:"conversationId"`
	SenderID       string `msgpack:"senderId"`
	ReceiverID     string `msgpack:"receiverId"`
	Content        string `msgpack:"content"`
	HTML           string `msgpack:"html"`
	Kind           string `msgpack:"kind"`
	ImageURL       string `msgpack:"imageUrl"`
	CreatedAt      int64  `msgpack:"createdAt"`
	Delivered      bool   `msgpack:"delivered"`
}

func newDBMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:             m.ID,
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		HTML:           m.HTML,
		Kind:           string(m.Kind),
		ImageURL:       m.ImageURL,
		CreatedAt:      m.CreatedAt,
		Delivered:      m.Delivered,
	}
}

func (m *DBMessage) Model() models.Message {
	return models.Message{
		ID:             m.ID,
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		HTML:           m.HTML,
		Kind:           models.MessageKind(m.Kind),
		ImageURL:       m.ImageURL,
		CreatedAt:      m.CreatedAt,
		Delivered:      m.Delivered,
	}
}

// Key is the big-endian sequence number, so byte order is sequence order.
func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBFile struct {
	ID        string `msgpack:"id"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
}

func newDBFile(f models.FileMetadata) DBFile {
	return DBFile{
		ID:        f.ID,
		MimeType:  f.MimeType,
		Size:      f.Size,
		CreatedAt: f.CreatedAt,
		UserID:    f.UserID,
	}
}

func (f *DBFile) Model() models.FileMetadata {
	return models.FileMetadata{
		ID:        f.ID,
		MimeType:  f.MimeType,
		Size:      f.Size,
		CreatedAt: f.CreatedAt,
		UserID:    f.UserID,
	}
}

func (f *DBFile) Key() []byte {
	return []byte(f.ID)
}

func (f *DBFile) MarshalBinary() (data []byte, err error) {
	type alias DBFile
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFile) UnmarshalBinary(data []byte) error {
	type alias DBFile
	return msgpack.Unmarshal(data, (*alias)(f))
}

type DBPushSubscription struct {
	UserID    string `msgpack:"userId"`
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func newDBPushSubscription(s models.PushSubscription) DBPushSubscription {
	return DBPushSubscription{
		UserID:    s.UserID,
		Endpoint:  s.Endpoint,
		P256dh:    s.P256dh,
		Auth:      s.Auth,
		CreatedAt: s.CreatedAt,
	}
}

func (s *DBPushSubscription) Model() models.PushSubscription {
	return models.PushSubscription{
		UserID:    s.UserID,
		Endpoint:  s.Endpoint,
		P256dh:    s.P256dh,
		Auth:      s.Auth,
		CreatedAt: s.CreatedAt,
	}
}

// Key is the endpoint; subscriptions are grouped per user by the driver.
func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
