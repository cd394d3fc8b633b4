package router

import (
	"sync"

	"relay/internal/models"
)

// Conn is a live connection able to receive pushed events. Send must not
// block; it reports whether the event was accepted. Implemented by
// ws.Connection.
type Conn interface {
	UserID() string
	Send(ev models.ServerEvent) bool
}

type connSet struct {
	mu    sync.RWMutex
	conns map[Conn]bool
}

func newConnSet() *connSet {
	return &connSet{conns: make(map[Conn]bool)}
}

func (s *connSet) add(c Conn) {
	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()
}

func (s *connSet) remove(c Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *connSet) list() []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Router maps chat IDs to their live subscriber connections and user IDs
// to their personal channels. It is rebuilt from scratch as connections
// come and go; nothing here is persisted.
//
// The router-wide lock only guards the maps themselves; each room and each
// user's connection set has its own lock.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]*connSet
	users map[string]*connSet
	// subs tracks which rooms each connection joined, for cleanup.
	subs map[Conn]map[string]bool
}

func NewRouter() *Router {
	return &Router{
		rooms: make(map[string]*connSet),
		users: make(map[string]*connSet),
		subs:  make(map[Conn]map[string]bool),
	}
}

// Register adds the connection to its user's personal channel, so the user
// can always be addressed directly regardless of which chats are open.
func (r *Router) Register(c Conn) {
	r.mu.Lock()
	set, ok := r.users[c.UserID()]
	if !ok {
		set = newConnSet()
		r.users[c.UserID()] = set
	}
	if _, ok := r.subs[c]; !ok {
		r.subs[c] = make(map[string]bool)
	}
	r.mu.Unlock()

	set.add(c)
}

// Unregister removes the connection from its personal channel and from
// every room it joined.
func (r *Router) Unregister(c Conn) {
	r.mu.Lock()
	userSet := r.users[c.UserID()]
	joined := r.subs[c]
	delete(r.subs, c)
	roomSets := make([]*connSet, 0, len(joined))
	for chatID := range joined {
		if room, ok := r.rooms[chatID]; ok {
			roomSets = append(roomSets, room)
		}
	}
	r.mu.Unlock()

	if userSet != nil {
		userSet.remove(c)
	}
	for _, room := range roomSets {
		room.remove(c)
	}
}

// Join subscribes the connection to a chat room. Idempotent. Membership
// validation happens upstream in the gateway; the router only tracks live
// subscriptions.
func (r *Router) Join(c Conn, chatID string) {
	r.mu.Lock()
	room, ok := r.rooms[chatID]
	if !ok {
		room = newConnSet()
		r.rooms[chatID] = room
	}
	if _, ok := r.subs[c]; !ok {
		r.subs[c] = make(map[string]bool)
	}
	r.subs[c][chatID] = true
	r.mu.Unlock()

	room.add(c)
}

// DeliverToUser pushes an event to every live connection of the user.
// Returns the number of connections that accepted the event; zero means
// the user is offline (or all their connections are saturated) and the
// event is dropped, per the best-effort live-delivery contract.
func (r *Router) DeliverToUser(userID string, ev models.ServerEvent) int {
	r.mu.RLock()
	set, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	delivered := 0
	for _, c := range set.list() {
		if c.Send(ev) {
			delivered++
		}
	}
	return delivered
}

// RoomConns returns the live subscribers of a chat room.
func (r *Router) RoomConns(chatID string) []Conn {
	r.mu.RLock()
	room, ok := r.rooms[chatID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return room.list()
}
