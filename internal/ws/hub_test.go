package ws

import (
	"path/filepath"
	"testing"

	"relay/internal/auth"
	"relay/internal/chat"
	"relay/internal/models"
	"relay/internal/presence"
	"relay/internal/router"
	"relay/internal/storage"
)

// testConn builds a Connection whose outbound queue can be inspected
// without running Handle.
func testConn(hub *Hub, userID string) *Connection {
	return NewConnection(hub, newMockWS(), userID)
}

func drain(c *Connection) []models.ServerEvent {
	var out []models.ServerEvent
	for {
		select {
		case ev := <-c.fromServer:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newTestHub(t *testing.T) (*Hub, *storage.BboltStorage) {
	t.Helper()
	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	reg := presence.NewRegistry(db, nil)
	r := router.NewRouter()
	coord := chat.New(chat.Config{Store: db, Deliverer: r})
	return NewHub(reg, r, coord, nil), db
}

func TestHub_GroupMessageFlow(t *testing.T) {
	hub, db := newTestHub(t)

	for _, u := range []string{"alice", "bob", "carol"} {
		if err := db.UpsertCredentials(auth.UserCredentials{
			User: models.User{ID: u, UserName: u, Status: models.UserStatusActive},
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.CreateChat(models.Chat{
		ID:      "g1",
		Kind:    models.ChatKindGroup,
		Members: []string{"alice", "bob", "carol"},
	}); err != nil {
		t.Fatal(err)
	}

	// Alice and carol connect; bob stays offline.
	alice := testConn(hub, "alice")
	carol := testConn(hub, "carol")
	hub.Connect(alice)
	hub.Connect(carol)

	hub.Dispatch(alice, models.ClientEvent{Type: models.ClientEventJoinChat, ChatID: "g1"})
	hub.Dispatch(carol, models.ClientEvent{Type: models.ClientEventJoinChat, ChatID: "g1"})
	if evs := drain(alice); len(evs) != 0 {
		t.Fatalf("join of a member must be silent, got %+v", evs)
	}

	hub.Dispatch(alice, models.ClientEvent{
		Type:    models.ClientEventSendMessage,
		ChatID:  "g1",
		Content: "hello group",
	})

	// Carol gets the message live.
	carolEvents := drain(carol)
	if len(carolEvents) != 1 || carolEvents[0].Type != models.ServerEventNewMessage {
		t.Fatalf("expected new_message for carol, got %+v", carolEvents)
	}
	msg := carolEvents[0].Message
	if msg.SenderID != "alice" || msg.Content != "hello group" {
		t.Errorf("unexpected message: %+v", msg)
	}

	// Alice gets her ack plus carol's delivered receipt, in some order.
	aliceEvents := drain(alice)
	var sawAck, sawDelivered bool
	for _, ev := range aliceEvents {
		switch ev.Type {
		case models.ServerEventMessageSent:
			sawAck = true
			if _, ok := ev.Message.Delivery["alice"]; ok {
				t.Error("sender must not have a delivery record")
			}
		case models.ServerEventStatusUpdate:
			if ev.RecipientID == "carol" && ev.Status == models.DeliveryStatusDelivered {
				sawDelivered = true
			}
		}
	}
	if !sawAck || !sawDelivered {
		t.Fatalf("expected ack and delivered receipt, got %+v", aliceEvents)
	}

	// Bob was offline: his record stays at sent.
	stored, err := db.GetMessage(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := stored.Delivery["bob"].Status; got != models.DeliveryStatusSent {
		t.Errorf("expected bob sent, got %s", got)
	}
	if got := stored.Delivery["carol"].Status; got != models.DeliveryStatusDelivered {
		t.Errorf("expected carol delivered, got %s", got)
	}

	// Carol reads; alice gets the receipt.
	hub.Dispatch(carol, models.ClientEvent{Type: models.ClientEventMarkRead, MessageID: msg.ID})
	receipts := drain(alice)
	if len(receipts) != 1 || receipts[0].Status != models.DeliveryStatusRead || receipts[0].RecipientID != "carol" {
		t.Fatalf("expected read receipt for alice, got %+v", receipts)
	}

	// Aggregate stays below read while bob is pending.
	stored, _ = db.GetMessage(msg.ID)
	if stored.AggregateStatus() != models.DeliveryStatusSent {
		t.Errorf("expected aggregate sent, got %s", stored.AggregateStatus())
	}
}

func TestHub_SendOrdering(t *testing.T) {
	hub, db := newTestHub(t)
	if err := db.CreateChat(models.Chat{
		ID:      "g1",
		Kind:    models.ChatKindPrivate,
		Members: []string{"alice", "bob"},
	}); err != nil {
		t.Fatal(err)
	}

	alice := testConn(hub, "alice")
	bob := testConn(hub, "bob")
	hub.Connect(alice)
	hub.Connect(bob)
	hub.Dispatch(bob, models.ClientEvent{Type: models.ClientEventJoinChat, ChatID: "g1"})

	hub.Dispatch(alice, models.ClientEvent{Type: models.ClientEventSendMessage, ChatID: "g1", Content: "first"})
	hub.Dispatch(alice, models.ClientEvent{Type: models.ClientEventSendMessage, ChatID: "g1", Content: "second"})

	var contents []string
	for _, ev := range drain(bob) {
		if ev.Type == models.ServerEventNewMessage {
			contents = append(contents, ev.Message.Content)
		}
	}
	if len(contents) != 2 || contents[0] != "first" || contents[1] != "second" {
		t.Errorf("messages out of order: %v", contents)
	}
}

func TestHub_SendNotAMember(t *testing.T) {
	hub, db := newTestHub(t)
	if err := db.CreateChat(models.Chat{
		ID:      "g1",
		Kind:    models.ChatKindPrivate,
		Members: []string{"alice", "bob"},
	}); err != nil {
		t.Fatal(err)
	}

	mallory := testConn(hub, "mallory")
	hub.Connect(mallory)

	hub.Dispatch(mallory, models.ClientEvent{Type: models.ClientEventSendMessage, ChatID: "g1", Content: "hi"})
	evs := drain(mallory)
	if len(evs) != 1 || evs[0].Type != models.ServerEventMessageError {
		t.Fatalf("expected message_error, got %+v", evs)
	}

	// Unknown chat is reported distinctly from a membership rejection.
	hub.Dispatch(mallory, models.ClientEvent{Type: models.ClientEventSendMessage, ChatID: "nope", Content: "hi"})
	evs = drain(mallory)
	if len(evs) != 1 || evs[0].Error != "chat not found" {
		t.Fatalf("expected chat not found error, got %+v", evs)
	}
}

func TestHub_JoinRejectedForNonMember(t *testing.T) {
	hub, db := newTestHub(t)
	if err := db.CreateChat(models.Chat{
		ID:      "g1",
		Kind:    models.ChatKindPrivate,
		Members: []string{"alice", "bob"},
	}); err != nil {
		t.Fatal(err)
	}

	alice := testConn(hub, "alice")
	mallory := testConn(hub, "mallory")
	hub.Connect(alice)
	hub.Connect(mallory)
	hub.Dispatch(mallory, models.ClientEvent{Type: models.ClientEventJoinChat, ChatID: "g1"})

	evs := drain(mallory)
	if len(evs) != 1 || evs[0].Type != models.ServerEventMessageError {
		t.Fatalf("expected join rejection, got %+v", evs)
	}

	// The rejected join left no live subscription behind.
	hub.Dispatch(alice, models.ClientEvent{Type: models.ClientEventTyping, ChatID: "g1", IsTyping: true})
	if evs := drain(mallory); len(evs) != 0 {
		t.Errorf("non-member must not receive room traffic, got %+v", evs)
	}
}

func TestHub_TypingExcludesOriginator(t *testing.T) {
	hub, db := newTestHub(t)
	if err := db.CreateChat(models.Chat{
		ID:      "g1",
		Kind:    models.ChatKindPrivate,
		Members: []string{"alice", "bob"},
	}); err != nil {
		t.Fatal(err)
	}

	alice := testConn(hub, "alice")
	bob := testConn(hub, "bob")
	hub.Connect(alice)
	hub.Connect(bob)
	hub.Dispatch(alice, models.ClientEvent{Type: models.ClientEventJoinChat, ChatID: "g1"})
	hub.Dispatch(bob, models.ClientEvent{Type: models.ClientEventJoinChat, ChatID: "g1"})

	hub.Dispatch(alice, models.ClientEvent{Type: models.ClientEventTyping, ChatID: "g1", IsTyping: true})

	if evs := drain(alice); len(evs) != 0 {
		t.Errorf("originator must not see own typing signal, got %+v", evs)
	}
	evs := drain(bob)
	if len(evs) != 1 || evs[0].Type != models.ServerEventUserTyping || evs[0].UserID != "alice" || !evs[0].IsTyping {
		t.Fatalf("expected typing signal for bob, got %+v", evs)
	}

	// Nothing was persisted for the signal.
	msgs, err := db.ListMessages("g1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("typing must not persist anything, got %d messages", len(msgs))
	}
}

func TestHub_PresenceAcrossConnections(t *testing.T) {
	hub, db := newTestHub(t)
	if err := db.UpsertCredentials(auth.UserCredentials{
		User: models.User{ID: "alice", UserName: "alice", Status: models.UserStatusActive},
	}); err != nil {
		t.Fatal(err)
	}

	tab1 := testConn(hub, "alice")
	tab2 := testConn(hub, "alice")
	hub.Connect(tab1)
	hub.Connect(tab2)

	hub.Disconnect(tab1)
	if !hub.presence.Online("alice") {
		t.Error("alice must stay online with one connection left")
	}

	hub.Disconnect(tab2)
	if hub.presence.Online("alice") {
		t.Error("alice must be offline after the last disconnect")
	}
}
