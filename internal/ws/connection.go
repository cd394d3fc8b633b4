package ws

import (
	"context"
	"errors"
	"sync"

	"relay/internal/models"
)

// sendBuffer is the per-connection outbound queue. A client that cannot
// drain it fast enough starts missing pushed events; durable state is
// recovered through the history API.
const sendBuffer = 100

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type connectionHub interface {
	Connect(c *Connection)
	Disconnect(c *Connection)
	Dispatch(c *Connection, ev models.ClientEvent)
}

// Connection owns one websocket for one authenticated user. Reads and
// writes run in separate goroutines talking over channels; the socket
// itself is only touched from those two loops.
type Connection struct {
	ws         wsConnection
	hub        connectionHub
	userID     string
	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	hub connectionHub,
	ws wsConnection,
	userID string,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		fromClient: make(chan models.ClientEvent),
		fromServer: make(chan models.ServerEvent, sendBuffer),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) UserID() string { return c.userID }

// Send queues an event for the client without blocking. Reports false
// when the outbound buffer is full and the event was dropped.
func (c *Connection) Send(ev models.ServerEvent) bool {
	select {
	case c.fromServer <- ev:
		return true
	default:
		return false
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	c.hub.Connect(c)

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Disconnect(c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.hub.Dispatch(c, ev)
		case ev := <-c.fromServer:
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
