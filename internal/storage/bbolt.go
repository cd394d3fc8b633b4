package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"relay/internal/auth"
	"relay/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketChats         = []byte("chats")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketTokens        = []byte("tokens")
	bucketSubscriptions = []byte("push_subscriptions")
	bucketFiles         = []byte("files")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{
			bucketUsers,
			bucketChats,
			bucketMessages,
			bucketMessageIndex,
			bucketTokens,
			bucketSubscriptions,
			bucketFiles,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
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

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:           credentials.ID,
			UserName:     credentials.UserName,
			DisplayName:  credentials.DisplayName,
			AvatarURL:    credentials.AvatarURL,
			Online:       credentials.Presence.Online,
			LastSeen:     credentials.Presence.LastSeen,
			PasswordHash: credentials.PasswordHash,
			Status:       string(credentials.Status),
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

func credentialsFromDB(dbUser DBUser) auth.UserCredentials {
	return auth.UserCredentials{
		User: models.User{
			ID:          dbUser.ID,
			UserName:    dbUser.UserName,
			DisplayName: dbUser.DisplayName,
			AvatarURL:   dbUser.AvatarURL,
			Presence: models.Presence{
				Online:   dbUser.Online,
				LastSeen: dbUser.LastSeen,
			},
			Status: models.UserStatus(dbUser.Status),
		},
		PasswordHash: dbUser.PasswordHash,
	}
}

// ListCredentials returns active user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Status != string(models.UserStatusActive) {
				return nil
			}
			credentials = append(credentials, credentialsFromDB(dbUser))
			return nil
		})
	})
	return credentials, err
}

// GetUser returns a single user by ID, without credential fields.
func (s *BboltStorage) GetUser(userID string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = credentialsFromDB(dbUser).User
		return nil
	})
	return user, err
}

// ListUsers returns all active users, without credential fields.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	credentials, err := s.ListCredentials()
	if err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(credentials))
	for _, c := range credentials {
		users = append(users, c.User)
	}
	return users, nil
}

// SetPresence persists an online/offline transition for a user. Called by
// the presence registry only on 0->1 and 1->0 connection-count transitions.
func (s *BboltStorage) SetPresence(userID string, online bool, lastSeen int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.Online = online
		dbUser.LastSeen = lastSeen
		updated, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), updated)
	})
}

// CreateChat saves a new chat.
func (s *BboltStorage) CreateChat(chat models.Chat) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		dbChat := chatToDB(chat)
		data, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbChat.Key(), data)
	})
}

func chatToDB(chat models.Chat) DBChat {
	dbChat := DBChat{
		ID:      chat.ID,
		Name:    chat.Name,
		Kind:    string(chat.Kind),
		Members: chat.Members,
		LastSeq: chat.LastSeq,
	}
	if chat.LastMessage != nil {
		dbChat.LastMessage = &DBLastMessage{
			Content:   chat.LastMessage.Content,
			SenderID:  chat.LastMessage.SenderID,
			Timestamp: chat.LastMessage.Timestamp,
		}
	}
	return dbChat
}

func chatFromDB(dbChat DBChat) models.Chat {
	chat := models.Chat{
		ID:      dbChat.ID,
		Name:    dbChat.Name,
		Kind:    models.ChatKind(dbChat.Kind),
		Members: dbChat.Members,
		LastSeq: dbChat.LastSeq,
	}
	if dbChat.LastMessage != nil {
		chat.LastMessage = &models.LastMessage{
			Content:   dbChat.LastMessage.Content,
			SenderID:  dbChat.LastMessage.SenderID,
			Timestamp: dbChat.LastMessage.Timestamp,
		}
	}
	return chat
}

// GetChat returns a chat by ID.
func (s *BboltStorage) GetChat(chatID string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChats).Get([]byte(chatID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(data); err != nil {
			return err
		}
		chat = chatFromDB(dbChat)
		return nil
	})
	return chat, err
}

// ChatMembers returns the authoritative membership list for a chat. This is
// what fan-out resolves against, regardless of which connections happen to
// be subscribed live.
func (s *BboltStorage) ChatMembers(chatID string) ([]string, error) {
	chat, err := s.GetChat(chatID)
	if err != nil {
		return nil, err
	}
	return chat.Members, nil
}

// ListChatsForUser returns every chat the user is a member of.
func (s *BboltStorage) ListChatsForUser(userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		return b.ForEach(func(k, v []byte) error {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(v); err != nil {
				return err
			}
			chat := chatFromDB(dbChat)
			if chat.HasMember(userID) {
				chats = append(chats, chat)
			}
			return nil
		})
	})
	return chats, err
}

// UpdateChatSummary updates the denormalized lastMessage summary.
func (s *BboltStorage) UpdateChatSummary(chatID string, summary models.LastMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		data := b.Get([]byte(chatID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(data); err != nil {
			return err
		}
		dbChat.LastMessage = &DBLastMessage{
			Content:   summary.Content,
			SenderID:  summary.SenderID,
			Timestamp: summary.Timestamp,
		}
		updated, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbChat.Key(), updated)
	})
}

func messageToDB(message models.Message) DBMessage {
	dbMessage := DBMessage{
		ID:        message.ID,
		Seq:       message.Seq,
		Timestamp: message.Timestamp,
		ChatID:    message.ChatID,
		SenderID:  message.SenderID,
		Content:   message.Content,
		Kind:      string(message.Kind),
	}
	if message.Attachment != nil {
		dbMessage.Attachment = &DBAttachment{
			Name:     message.Attachment.Name,
			MimeType: message.Attachment.MimeType,
			FileID:   message.Attachment.FileID,
			Size:     message.Attachment.Size,
		}
	}
	if len(message.Delivery) > 0 {
		dbMessage.Delivery = make(map[string]DBDeliveryState, len(message.Delivery))
		for userID, d := range message.Delivery {
			dbMessage.Delivery[userID] = DBDeliveryState{
				Status:    string(d.Status),
				UpdatedAt: d.UpdatedAt,
			}
		}
	}
	return dbMessage
}

func messageFromDB(dbMessage DBMessage) models.Message {
	message := models.Message{
		ID:        dbMessage.ID,
		Seq:       dbMessage.Seq,
		Timestamp: dbMessage.Timestamp,
		ChatID:    dbMessage.ChatID,
		SenderID:  dbMessage.SenderID,
		Content:   dbMessage.Content,
		Kind:      models.MessageKind(dbMessage.Kind),
	}
	if dbMessage.Attachment != nil {
		message.Attachment = &models.Attachment{
			Name:     dbMessage.Attachment.Name,
			MimeType: dbMessage.Attachment.MimeType,
			FileID:   dbMessage.Attachment.FileID,
			Size:     dbMessage.Attachment.Size,
		}
	}
	message.Delivery = make(map[string]models.DeliveryState, len(dbMessage.Delivery))
	for userID, d := range dbMessage.Delivery {
		message.Delivery[userID] = models.DeliveryState{
			Status:    models.DeliveryStatus(d.Status),
			UpdatedAt: d.UpdatedAt,
		}
	}
	message.Status = message.AggregateStatus()
	return message
}

// CreateMessage persists a new message and assigns its per-chat sequence
// number from the chat's LastSeq, all in one transaction. The assigned Seq
// is written back into the passed message.
func (s *BboltStorage) CreateMessage(message *models.Message) error {
	if message.ChatID == "" {
		return errors.New("message missing chatID")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketChats)
		chatData := chatBucket.Get([]byte(message.ChatID))
		if chatData == nil {
			return models.ErrNotFound
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(chatData); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}

		dbChat.LastSeq++
		message.Seq = dbChat.LastSeq

		dbMessage := messageToDB(*message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := tx.Bucket(bucketMessages).Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		indexBucket, err := tx.Bucket(bucketMessageIndex).CreateBucketIfNotExists([]byte(message.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create chat index bucket: %w", err)
		}
		if err := indexBucket.Put(dbMessage.SeqKey(), dbMessage.Key()); err != nil {
			return fmt.Errorf("failed to put message index: %w", err)
		}

		chatUpdated, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		return chatBucket.Put(dbChat.Key(), chatUpdated)
	})
}

// GetMessage returns a message by ID.
func (s *BboltStorage) GetMessage(messageID string) (models.Message, error) {
	var message models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(messageID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbMessage DBMessage
		if err := dbMessage.UnmarshalBinary(data); err != nil {
			return err
		}
		message = messageFromDB(dbMessage)
		return nil
	})
	return message, err
}

// UpdateMessageStatus advances a recipient's delivery record. The
// transition is monotonic: a status that does not rank above the current
// one is ignored and the call reports advanced=false. Recipients not in
// the delivery record (including the sender) are rejected with
// ErrNotAMember. Running inside one write transaction serializes racing
// updates to the same message.
func (s *BboltStorage) UpdateMessageStatus(messageID, recipientID string, status models.DeliveryStatus, updatedAt int64) (bool, error) {
	advanced := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		data := b.Get([]byte(messageID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbMessage DBMessage
		if err := dbMessage.UnmarshalBinary(data); err != nil {
			return err
		}

		current, ok := dbMessage.Delivery[recipientID]
		if !ok {
			return models.ErrNotAMember
		}
		if status.Rank() <= models.DeliveryStatus(current.Status).Rank() {
			return nil
		}

		dbMessage.Delivery[recipientID] = DBDeliveryState{
			Status:    string(status),
			UpdatedAt: updatedAt,
		}
		updated, err := dbMessage.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbMessage.Key(), updated); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	return advanced, err
}

// ListMessages returns messages for a chat with Seq in [from, to],
// in submission order.
func (s *BboltStorage) ListMessages(chatID string, from, to int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketMessageIndex).Bucket([]byte(chatID))
		if indexBucket == nil {
			return nil // No messages for this chat
		}
		msgBucket := tx.Bucket(bucketMessages)

		c := indexBucket.Cursor()

		minKey := make([]byte, 8)
		binary.BigEndian.PutUint64(minKey, uint64(from))

		maxKey := make([]byte, 8)
		binary.BigEndian.PutUint64(maxKey, uint64(to))

		for k, id := c.Seek(minKey); k != nil && bytes.Compare(k, maxKey) <= 0; k, id = c.Next() {
			data := msgBucket.Get(id)
			if data == nil {
				return fmt.Errorf("dangling message index entry %q", id)
			}
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(data); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(dbMessage))
		}
		return nil
	})
	return messages, err
}

// CountUnread counts messages in a chat the user has not read yet.
func (s *BboltStorage) CountUnread(chatID, userID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		indexBucket := tx.Bucket(bucketMessageIndex).Bucket([]byte(chatID))
		if indexBucket == nil {
			return nil
		}
		msgBucket := tx.Bucket(bucketMessages)
		return indexBucket.ForEach(func(k, id []byte) error {
			data := msgBucket.Get(id)
			if data == nil {
				return nil
			}
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(data); err != nil {
				return err
			}
			d, ok := dbMessage.Delivery[userID]
			if ok && d.Status != string(models.DeliveryStatusRead) {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BboltStorage) UpsertToken(tokenHash, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		dbToken := &DBToken{
			UserID: userID,
			Token:  tokenHash,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbToken.Key(), data)
	})
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

func (s *BboltStorage) ListTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[dbToken.Token] = dbToken.UserID
			return nil
		})
	})
	return tokens, err
}

// UpsertPushSubscription stores the raw browser push subscription for a user.
func (s *BboltStorage) UpsertPushSubscription(userID string, subscription []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		dbSub := &DBPushSubscription{
			UserID:       userID,
			Subscription: subscription,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSub.Key(), data)
	})
}

// GetPushSubscription returns the stored subscription, or ErrNotFound.
func (s *BboltStorage) GetPushSubscription(userID string) ([]byte, error) {
	var subscription []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbSub DBPushSubscription
		if err := dbSub.UnmarshalBinary(data); err != nil {
			return err
		}
		subscription = dbSub.Subscription
		return nil
	})
	return subscription, err
}

// DeletePushSubscription drops a subscription, e.g. after the push service
// reports it gone.
func (s *BboltStorage) DeletePushSubscription(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(userID))
	})
}
