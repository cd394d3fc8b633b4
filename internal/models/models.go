package models

import "errors"

var (
	ErrNotFound   = errors.New("not found")
	ErrNotAMember = errors.New("not a chat member")
)

type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// User represents a user in the system.
type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	Presence    Presence   `json:"presence"`
	Status      UserStatus `json:"status"`
}

// Presence represents the online status of a user, derived from the
// number of open connections they have.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

type ChatKind string

const (
	ChatKindPrivate ChatKind = "private"
	ChatKindGroup   ChatKind = "group"
)

// LastMessage is the denormalized summary shown in chat lists.
type LastMessage struct {
	Content   string `json:"content"`
	SenderID  string `json:"senderId"`
	Timestamp int64  `json:"timestamp"`
}

// Chat represents a conversation between a fixed set of members.
// Membership is owned by the durable store; the relay only reads it
// to resolve fan-out targets.
type Chat struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Kind        ChatKind     `json:"kind"`
	Members     []string     `json:"members"`
	LastSeq     int64        `json:"lastSeq"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
}

func (c Chat) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

type DeliveryStatus string

const (
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
)

// Rank orders delivery statuses so transitions can be checked for
// monotonicity. Unknown statuses rank below "sent".
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusSent:
		return 1
	case DeliveryStatusDelivered:
		return 2
	case DeliveryStatusRead:
		return 3
	}
	return 0
}

// DeliveryState is the per-recipient delivery record entry.
type DeliveryState struct {
	Status    DeliveryStatus `json:"status"`
	UpdatedAt int64          `json:"updatedAt"`
}

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	FileID   string `json:"fileId"`
	Size     int64  `json:"size"`
}

// Message represents a chat message. Immutable after creation except for
// per-recipient delivery record transitions. The sender never appears in
// Delivery.
type Message struct {
	ID         string                   `json:"id"`
	Seq        int64                    `json:"seq"` // per-chat, assigned by storage
	ChatID     string                   `json:"chatId"`
	SenderID   string                   `json:"senderId"`
	Content    string                   `json:"content"`
	Kind       MessageKind              `json:"kind"`
	Timestamp  int64                    `json:"timestamp"` // Unix timestamp (seconds)
	Attachment *Attachment              `json:"attachment,omitempty"`
	Delivery   map[string]DeliveryState `json:"delivery"`
	Status     DeliveryStatus           `json:"status"` // aggregate, derived
}

// AggregateStatus is what the sender sees: the minimum status across all
// recipients. A message with no recipients stays at "sent".
func (m Message) AggregateStatus() DeliveryStatus {
	if len(m.Delivery) == 0 {
		return DeliveryStatusSent
	}
	min := DeliveryStatusRead
	for _, d := range m.Delivery {
		if d.Status.Rank() < min.Rank() {
			min = d.Status
		}
	}
	return min
}

type ClientEventType string

const (
	ClientEventJoinChat    ClientEventType = "join_chat"
	ClientEventSendMessage ClientEventType = "send_message"
	ClientEventMarkRead    ClientEventType = "mark_read"
	ClientEventTyping      ClientEventType = "typing"
)

// ClientEvent represents an event sent from the client to the server.
type ClientEvent struct {
	Type       ClientEventType `json:"type"`
	ChatID     string          `json:"chatId,omitempty"`
	Content    string          `json:"content,omitempty"`
	Kind       MessageKind     `json:"kind,omitempty"`
	Attachment *Attachment     `json:"attachment,omitempty"`
	MessageID  string          `json:"messageId,omitempty"`
	IsTyping   bool            `json:"isTyping,omitempty"`
}

type ServerEventType string

const (
	ServerEventMessageSent  ServerEventType = "message_sent"
	ServerEventNewMessage   ServerEventType = "new_message"
	ServerEventStatusUpdate ServerEventType = "message_status_update"
	ServerEventUserTyping   ServerEventType = "user_typing"
	ServerEventMessageError ServerEventType = "message_error"
)

// ServerEvent represents an event pushed to the client.
type ServerEvent struct {
	Type        ServerEventType `json:"type"`
	Message     *Message        `json:"message,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	Status      DeliveryStatus  `json:"status,omitempty"`
	ChatID      string          `json:"chatId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	IsTyping    bool            `json:"isTyping,omitempty"`
	Error       string          `json:"error,omitempty"`
}
