package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"relay/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientEvent
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case ev, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = ev
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockConnHub struct {
	connectCh    chan string
	disconnectCh chan string
	dispatchCh   chan models.ClientEvent
}

func newMockConnHub() *mockConnHub {
	return &mockConnHub{
		connectCh:    make(chan string, 10),
		disconnectCh: make(chan string, 10),
		dispatchCh:   make(chan models.ClientEvent, 10),
	}
}

func (m *mockConnHub) Connect(c *Connection)    { m.connectCh <- c.UserID() }
func (m *mockConnHub) Disconnect(c *Connection) { m.disconnectCh <- c.UserID() }
func (m *mockConnHub) Dispatch(c *Connection, ev models.ClientEvent) {
	m.dispatchCh <- ev
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockConnHub()
	ws := newMockWS()
	userID := "user1"

	conn := NewConnection(hub, ws, userID)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// Verify Connect was called
	select {
	case id := <-hub.connectCh:
		if id != userID {
			t.Errorf("Expected Connect with %s, got %s", userID, id)
		}
	case <-time.After(1 * time.Second):
		t.Error("Connect not called on Handle")
	}

	// 1. Send event from Client -> Hub
	clientEv := models.ClientEvent{
		Type:    models.ClientEventSendMessage,
		ChatID:  "chat1",
		Content: "hello",
	}
	ws.readCh <- clientEv

	select {
	case received := <-hub.dispatchCh:
		if received.Content != clientEv.Content {
			t.Errorf("Hub received wrong content: %v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched event")
	}

	// 2. Push event from Server -> Client
	serverEv := models.ServerEvent{
		Type:   models.ServerEventNewMessage,
		ChatID: "chat1",
		Message: &models.Message{
			Content: "hi back",
		},
	}
	if !conn.Send(serverEv) {
		t.Fatal("Send rejected with empty buffer")
	}

	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if ev.Message == nil || ev.Message.Content != "hi back" {
			t.Errorf("WS received wrong content: %v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server event")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	// Verify Disconnect called
	select {
	case id := <-hub.disconnectCh:
		if id != userID {
			t.Errorf("Expected Disconnect with %s, got %s", userID, id)
		}
	default:
		t.Error("Disconnect not called")
	}

	// Verify WS Close called
	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockConnHub()
	ws := newMockWS()
	userID := "user2"

	conn := NewConnection(hub, ws, userID)

	// Simulate ReadJSON error immediatelly
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_SendFullBuffer(t *testing.T) {
	hub := newMockConnHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, "user3")

	// Nothing drains fromServer before Handle runs.
	for i := 0; i < sendBuffer; i++ {
		if !conn.Send(models.ServerEvent{Type: models.ServerEventUserTyping}) {
			t.Fatalf("Send %d rejected before buffer is full", i)
		}
	}
	if conn.Send(models.ServerEvent{Type: models.ServerEventUserTyping}) {
		t.Error("Send must reject when the buffer is full")
	}
}
