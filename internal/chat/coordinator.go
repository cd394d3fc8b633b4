package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay/internal/content"
	"relay/internal/models"

	"github.com/google/uuid"
)

// Store is the durable-store surface the coordinator consumes. Message
// persistence must succeed before any fan-out begins.
type Store interface {
	GetChat(chatID string) (models.Chat, error)
	CreateMessage(message *models.Message) error
	UpdateChatSummary(chatID string, summary models.LastMessage) error
	GetMessage(messageID string) (models.Message, error)
	UpdateMessageStatus(messageID, recipientID string, status models.DeliveryStatus, updatedAt int64) (bool, error)
}

// Deliverer pushes an event to every live connection of a user and
// reports how many accepted it. Zero means the user is offline.
type Deliverer interface {
	DeliverToUser(userID string, ev models.ServerEvent) int
}

// Notifier nudges a recipient with no live connection out-of-band.
// Strictly best-effort; the coordinator never waits on it.
type Notifier interface {
	Notify(userID string, message models.Message)
}

type Config struct {
	Store     Store
	Deliverer Deliverer
	Notifier  Notifier // optional
	Log       *slog.Logger
}

// Coordinator drives each message through its per-recipient delivery
// state machine: sent -> delivered -> read, never backwards. Fan-out is
// fire-and-forget per live connection; the persisted "sent" state is the
// durable fallback offline recipients discover by fetching history.
type Coordinator struct {
	store    Store
	deliver  Deliverer
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	// chatLocks serializes accept+fan-out per chat so every subscriber
	// observes messages of one chat in the same order. Chats are
	// independent of each other.
	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex
}

func New(config Config) *Coordinator {
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:     config.Store,
		deliver:   config.Deliverer,
		notifier:  config.Notifier,
		log:       log,
		now:       time.Now,
		chatLocks: make(map[string]*sync.Mutex),
	}
}

func (co *Coordinator) chatLock(chatID string) *sync.Mutex {
	co.mu.Lock()
	defer co.mu.Unlock()
	l, ok := co.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		co.chatLocks[chatID] = l
	}
	return l
}

// IsMember checks chat membership against the durable store.
func (co *Coordinator) IsMember(chatID, userID string) (bool, error) {
	chat, err := co.store.GetChat(chatID)
	if err != nil {
		return false, err
	}
	return chat.HasMember(userID), nil
}

// Send accepts a new message: validates the sender's membership, persists
// the message with a "sent" record for every member except the sender,
// updates the chat summary, and fans the message out to the recipients'
// live connections. Each accepted push advances that recipient to
// "delivered" and notifies the sender.
//
// ack, when non-nil, runs with the persisted message after persistence
// succeeds and before any fan-out, so the sender's direct acknowledgment
// is ordered ahead of the delivery receipts it triggers.
func (co *Coordinator) Send(senderID string, ev models.ClientEvent, ack func(models.Message)) (models.Message, error) {
	chat, err := co.store.GetChat(ev.ChatID)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to resolve chat: %w", err)
	}
	if !chat.HasMember(senderID) {
		return models.Message{}, models.ErrNotAMember
	}

	kind := ev.Kind
	if kind == "" {
		kind = models.MessageKindText
	}

	now := co.now().Unix()
	msg := models.Message{
		ID:         uuid.NewString(),
		ChatID:     ev.ChatID,
		SenderID:   senderID,
		Content:    content.Sanitize(ev.Content),
		Kind:       kind,
		Timestamp:  now,
		Attachment: ev.Attachment,
		Delivery:   make(map[string]models.DeliveryState),
	}
	// Membership read here may already be stale; fan-out targets whatever
	// the store answered. The sender is never a recipient.
	for _, member := range chat.Members {
		if member == senderID {
			continue
		}
		msg.Delivery[member] = models.DeliveryState{
			Status:    models.DeliveryStatusSent,
			UpdatedAt: now,
		}
	}

	lock := co.chatLock(ev.ChatID)
	lock.Lock()
	defer lock.Unlock()

	if err := co.store.CreateMessage(&msg); err != nil {
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}

	// The message is durable; a failed summary update only stales the
	// chat list, so it does not abort the send.
	if err := co.store.UpdateChatSummary(ev.ChatID, models.LastMessage{
		Content:   msg.Content,
		SenderID:  senderID,
		Timestamp: now,
	}); err != nil {
		co.log.Error("failed to update chat summary", "chat_id", ev.ChatID, "error", err)
	}

	msg.Status = msg.AggregateStatus()

	if ack != nil {
		ack(msg)
	}

	for recipient := range msg.Delivery {
		co.fanOut(recipient, msg)
	}

	return msg, nil
}

func (co *Coordinator) fanOut(recipient string, msg models.Message) {
	accepted := co.deliver.DeliverToUser(recipient, models.ServerEvent{
		Type:    models.ServerEventNewMessage,
		Message: &msg,
	})
	if accepted == 0 {
		// Offline: the record stays at "sent" until the recipient
		// reconnects and fetches history. No retry, no queue.
		if co.notifier != nil {
			co.notifier.Notify(recipient, msg)
		}
		return
	}

	advanced, err := co.store.UpdateMessageStatus(msg.ID, recipient, models.DeliveryStatusDelivered, co.now().Unix())
	if err != nil {
		co.log.Error("failed to record delivery", "message_id", msg.ID, "recipient_id", recipient, "error", err)
		return
	}
	if advanced {
		co.deliver.DeliverToUser(msg.SenderID, models.ServerEvent{
			Type:        models.ServerEventStatusUpdate,
			MessageID:   msg.ID,
			RecipientID: recipient,
			Status:      models.DeliveryStatusDelivered,
		})
	}
}

// MarkRead records that the user has read the message and notifies the
// sender's live connections. A read acknowledgment from the message's own
// sender is a silent no-op.
func (co *Coordinator) MarkRead(readerID, messageID string) error {
	msg, err := co.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("failed to resolve message: %w", err)
	}
	if readerID == msg.SenderID {
		return nil
	}

	advanced, err := co.store.UpdateMessageStatus(messageID, readerID, models.DeliveryStatusRead, co.now().Unix())
	if err != nil {
		if errors.Is(err, models.ErrNotAMember) {
			return models.ErrNotAMember
		}
		return fmt.Errorf("failed to record read: %w", err)
	}
	if advanced {
		co.deliver.DeliverToUser(msg.SenderID, models.ServerEvent{
			Type:        models.ServerEventStatusUpdate,
			MessageID:   messageID,
			RecipientID: readerID,
			Status:      models.DeliveryStatusRead,
		})
	}
	return nil
}
