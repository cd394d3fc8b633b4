package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"relay/internal/models"

	"golang.org/x/sync/semaphore"
)

// maxConcurrentPersists bounds in-flight presence writes to the store so a
// reconnect storm cannot pile up unbounded transactions.
const maxConcurrentPersists = 16

// Store persists online/offline transitions. Only 0->1 and 1->0
// connection-count transitions reach it.
type Store interface {
	SetPresence(userID string, online bool, lastSeen int64) error
}

type entry struct {
	mu       sync.Mutex
	conns    int
	lastSeen int64
}

// Registry tracks, per user, the number of currently open connections and
// derives online/offline transitions from it. A user with two devices who
// closes one stays online; only the last close marks them offline.
//
// The registry-wide lock only guards the entries map; each user has their
// own lock, so unrelated users' traffic is never serialized.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	store Store
	sem   *semaphore.Weighted
	log   *slog.Logger
	now   func() time.Time
}

func NewRegistry(store Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		store:   store,
		sem:     semaphore.NewWeighted(maxConcurrentPersists),
		log:     log,
		now:     time.Now,
	}
}

func (r *Registry) entryFor(userID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{}
		r.entries[userID] = e
	}
	return e
}

// Connect registers one more open connection for the user. It reports
// whether the user transitioned offline->online; only that transition is
// persisted.
func (r *Registry) Connect(ctx context.Context, userID string) bool {
	e := r.entryFor(userID)

	e.mu.Lock()
	e.conns++
	wentOnline := e.conns == 1
	now := r.now().Unix()
	e.lastSeen = now
	e.mu.Unlock()

	if wentOnline {
		r.persist(ctx, userID, true, now)
	}
	return wentOnline
}

// Disconnect unregisters one connection. It reports whether the user
// transitioned online->offline. A disconnect with no registered
// connections is a no-op.
func (r *Registry) Disconnect(ctx context.Context, userID string) bool {
	e := r.entryFor(userID)

	e.mu.Lock()
	if e.conns == 0 {
		e.mu.Unlock()
		return false
	}
	e.conns--
	wentOffline := e.conns == 0
	now := r.now().Unix()
	e.lastSeen = now
	e.mu.Unlock()

	if wentOffline {
		r.persist(ctx, userID, false, now)
	}
	return wentOffline
}

// Online reports whether the user has at least one open connection.
func (r *Registry) Online(userID string) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns > 0
}

// Snapshot returns the user's current presence.
func (r *Registry) Snapshot(userID string) models.Presence {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return models.Presence{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.Presence{
		Online:   e.conns > 0,
		LastSeen: e.lastSeen,
	}
}

func (r *Registry) persist(ctx context.Context, userID string, online bool, lastSeen int64) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.log.Error("presence persist skipped", "user_id", userID, "error", err)
		return
	}
	defer r.sem.Release(1)

	if err := r.store.SetPresence(userID, online, lastSeen); err != nil {
		r.log.Error("failed to persist presence", "user_id", userID, "online", online, "error", err)
	}
}
