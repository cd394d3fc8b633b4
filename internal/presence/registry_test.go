package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

type transition struct {
	userID   string
	online   bool
	lastSeen int64
}

type mockStore struct {
	mu          sync.Mutex
	transitions []transition
}

func (m *mockStore) SetPresence(userID string, online bool, lastSeen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, transition{userID, online, lastSeen})
	return nil
}

func (m *mockStore) all() []transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transition(nil), m.transitions...)
}

func TestRegistry_SingleConnection(t *testing.T) {
	store := &mockStore{}
	r := NewRegistry(store, nil)
	ctx := context.Background()

	if !r.Connect(ctx, "u1") {
		t.Error("first connect should report online transition")
	}
	if !r.Online("u1") {
		t.Error("u1 should be online")
	}

	if !r.Disconnect(ctx, "u1") {
		t.Error("last disconnect should report offline transition")
	}
	if r.Online("u1") {
		t.Error("u1 should be offline")
	}

	got := store.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 persisted transitions, got %d", len(got))
	}
	if !got[0].online || got[1].online {
		t.Errorf("expected online then offline, got %+v", got)
	}
}

func TestRegistry_TwoConnectionsCloseOne(t *testing.T) {
	store := &mockStore{}
	r := NewRegistry(store, nil)
	ctx := context.Background()

	// Second device opening must not be visible as a new online event.
	if !r.Connect(ctx, "u1") {
		t.Error("first connect should transition")
	}
	if r.Connect(ctx, "u1") {
		t.Error("second connect must not transition")
	}

	// Closing one of two tabs must not mark the user offline.
	if r.Disconnect(ctx, "u1") {
		t.Error("disconnect with one connection left must not transition")
	}
	if !r.Online("u1") {
		t.Error("u1 should still be online with 1 connection")
	}

	if !r.Disconnect(ctx, "u1") {
		t.Error("closing the last connection should transition offline")
	}
	if r.Online("u1") {
		t.Error("u1 should be offline")
	}

	got := store.all()
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 persisted transitions, got %d: %+v", len(got), got)
	}
}

func TestRegistry_DuplicateDisconnect(t *testing.T) {
	store := &mockStore{}
	r := NewRegistry(store, nil)
	ctx := context.Background()

	if r.Disconnect(ctx, "ghost") {
		t.Error("disconnect of unknown user must be a no-op")
	}

	r.Connect(ctx, "u1")
	r.Disconnect(ctx, "u1")
	if r.Disconnect(ctx, "u1") {
		t.Error("duplicate disconnect must be a no-op")
	}

	got := store.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 persisted transitions, got %d", len(got))
	}
}

func TestRegistry_LastSeenAdvances(t *testing.T) {
	store := &mockStore{}
	r := NewRegistry(store, nil)
	ctx := context.Background()

	current := time.Unix(1000, 0)
	r.now = func() time.Time { return current }

	r.Connect(ctx, "u1")
	current = time.Unix(2000, 0)
	r.Disconnect(ctx, "u1")

	p := r.Snapshot("u1")
	if p.Online {
		t.Error("expected offline")
	}
	if p.LastSeen != 2000 {
		t.Errorf("expected lastSeen 2000, got %d", p.LastSeen)
	}

	got := store.all()
	if got[1].lastSeen != 2000 {
		t.Errorf("expected persisted lastSeen 2000, got %d", got[1].lastSeen)
	}
}

func TestRegistry_ConcurrentUsers(t *testing.T) {
	store := &mockStore{}
	r := NewRegistry(store, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	users := []string{"a", "b", "c", "d"}
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Connect(ctx, userID)
			}
			for i := 0; i < 50; i++ {
				r.Disconnect(ctx, userID)
			}
		}(u)
	}
	wg.Wait()

	for _, u := range users {
		if r.Online(u) {
			t.Errorf("%s should be offline", u)
		}
	}
	// One online and one offline transition per user.
	if got := store.all(); len(got) != 2*len(users) {
		t.Errorf("expected %d transitions, got %d", 2*len(users), len(got))
	}
}
