package router

import "relay/internal/models"

// Broadcaster fans ephemeral signals out to a chat's live subscribers.
// Signals bypass the message lifecycle entirely: nothing is persisted,
// nothing is retried, and a saturated connection simply misses the signal.
type Broadcaster struct {
	router *Router
}

func NewBroadcaster(r *Router) *Broadcaster {
	return &Broadcaster{router: r}
}

// Typing notifies every other live subscriber of the chat that the user
// started or stopped typing. The originating connection is excluded, so a
// user's other devices do see their own typing indicator.
func (b *Broadcaster) Typing(origin Conn, chatID, userID string, isTyping bool) {
	ev := models.ServerEvent{
		Type:     models.ServerEventUserTyping,
		ChatID:   chatID,
		UserID:   userID,
		IsTyping: isTyping,
	}
	for _, c := range b.router.RoomConns(chatID) {
		if c == origin {
			continue
		}
		c.Send(ev)
	}
}
