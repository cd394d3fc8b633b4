package ws

import (
	"context"
	"errors"
	"log/slog"

	"relay/internal/chat"
	"relay/internal/models"
	"relay/internal/presence"
	"relay/internal/router"
)

// Hub glues the gateway to the rest of the system: it tracks presence for
// connecting and disconnecting sockets and routes client events to the
// message coordinator, the room router and the typing broadcaster.
type Hub struct {
	presence *presence.Registry
	router   *router.Router
	typing   *router.Broadcaster
	coord    *chat.Coordinator
	log      *slog.Logger
}

func NewHub(
	reg *presence.Registry,
	r *router.Router,
	coord *chat.Coordinator,
	log *slog.Logger,
) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		presence: reg,
		router:   r,
		typing:   router.NewBroadcaster(r),
		coord:    coord,
		log:      log,
	}
}

func (h *Hub) Connect(c *Connection) {
	h.router.Register(c)
	h.presence.Connect(context.Background(), c.UserID())
}

// Disconnect runs unconditionally when a connection's Handle returns, with
// a fresh context so presence bookkeeping completes even when the server
// context is already canceled.
func (h *Hub) Disconnect(c *Connection) {
	h.router.Unregister(c)
	h.presence.Disconnect(context.Background(), c.UserID())
}

func (h *Hub) Dispatch(c *Connection, ev models.ClientEvent) {
	switch ev.Type {
	case models.ClientEventJoinChat:
		h.handleJoin(c, ev)
	case models.ClientEventSendMessage:
		h.handleSend(c, ev)
	case models.ClientEventMarkRead:
		h.handleMarkRead(c, ev)
	case models.ClientEventTyping:
		h.typing.Typing(c, ev.ChatID, c.UserID(), ev.IsTyping)
	default:
		h.log.Warn("unknown client event", "type", ev.Type, "user_id", c.UserID())
	}
}

// handleJoin re-validates membership against the store on every join, so a
// user removed from a chat cannot rejoin its live room.
func (h *Hub) handleJoin(c *Connection, ev models.ClientEvent) {
	member, err := h.coord.IsMember(ev.ChatID, c.UserID())
	if err != nil {
		h.log.Error("failed to validate membership", "chat_id", ev.ChatID, "user_id", c.UserID(), "error", err)
		c.Send(models.ServerEvent{
			Type:   models.ServerEventMessageError,
			ChatID: ev.ChatID,
			Error:  "chat not found",
		})
		return
	}
	if !member {
		c.Send(models.ServerEvent{
			Type:   models.ServerEventMessageError,
			ChatID: ev.ChatID,
			Error:  "not a member of this chat",
		})
		return
	}
	h.router.Join(c, ev.ChatID)
}

func (h *Hub) handleSend(c *Connection, ev models.ClientEvent) {
	// Direct acknowledgment to the originating connection only, queued
	// before any delivery receipts.
	_, err := h.coord.Send(c.UserID(), ev, func(msg models.Message) {
		c.Send(models.ServerEvent{
			Type:    models.ServerEventMessageSent,
			Message: &msg,
		})
	})
	if err != nil {
		reason := "failed to send message"
		switch {
		case errors.Is(err, models.ErrNotAMember):
			reason = "not a member of this chat"
		case errors.Is(err, models.ErrNotFound):
			reason = "chat not found"
		default:
			h.log.Error("failed to send message", "chat_id", ev.ChatID, "user_id", c.UserID(), "error", err)
		}
		c.Send(models.ServerEvent{
			Type:   models.ServerEventMessageError,
			ChatID: ev.ChatID,
			Error:  reason,
		})
	}
}

func (h *Hub) handleMarkRead(c *Connection, ev models.ClientEvent) {
	if err := h.coord.MarkRead(c.UserID(), ev.MessageID); err != nil {
		if errors.Is(err, models.ErrNotAMember) || errors.Is(err, models.ErrNotFound) {
			c.Send(models.ServerEvent{
				Type:      models.ServerEventMessageError,
				MessageID: ev.MessageID,
				Error:     "cannot mark message as read",
			})
			return
		}
		h.log.Error("failed to mark message read", "message_id", ev.MessageID, "user_id", c.UserID(), "error", err)
	}
}
