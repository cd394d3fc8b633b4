package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	UserID string `msgpack:"userId"`
	Token  string `msgpack:"token"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Token)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBUser struct {
	ID           string `msgpack:"id"`
	UserName     string `msgpack:"userName"`
	DisplayName  string `msgpack:"displayName"`
	AvatarURL    string `msgpack:"avatarUrl"`
	Online       bool   `msgpack:"online"`
	LastSeen     int64  `msgpack:"lastSeen"`
	PasswordHash string `msgpack:"passwordHash"`
	Status       string `msgpack:"status"`
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

type DBLastMessage struct {
	Content   string `msgpack:"content"`
	SenderID  string `msgpack:"senderId"`
	Timestamp int64  `msgpack:"timestamp"`
}

type DBChat struct {
	ID          string         `msgpack:"id"`
	Name        string         `msgpack:"name"`
	Kind        string         `msgpack:"kind"`
	Members     []string       `msgpack:"members"`
	LastSeq     int64          `msgpack:"lastSeq"`
	LastMessage *DBLastMessage `msgpack:"lastMessage"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBDeliveryState struct {
	Status    string `msgpack:"status"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

type DBAttachment struct {
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	FileID   string `msgpack:"fileId"`
	Size     int64  `msgpack:"size"`
}

type DBMessage struct {
	ID         string                     `msgpack:"id"`
	Seq        int64                      `msgpack:"seq"`
	Timestamp  int64                      `msgpack:"timestamp"`
	ChatID     string                     `msgpack:"chatId"`
	SenderID   string                     `msgpack:"senderId"`
	Content    string                     `msgpack:"content"`
	Kind       string                     `msgpack:"kind"`
	Attachment *DBAttachment              `msgpack:"attachment"`
	Delivery   map[string]DBDeliveryState `msgpack:"delivery"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

// SeqKey is the per-chat index key: big-endian so bbolt cursors iterate
// messages in submission order.
func (m *DBMessage) SeqKey() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBPushSubscription struct {
	UserID       string `msgpack:"userId"`
	Subscription []byte `msgpack:"subscription"` // raw browser subscription JSON
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.UserID)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
