package lockwatch

import (
	"testing"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/statestore"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

func putSession(t *testing.T, store *statestore.Store, unlocked bool, token string) {
	t.Helper()
	err := store.Put(SessionKey, models.SessionState{Unlocked: unlocked, AuthToken: token})
	if err != nil {
		t.Fatalf("put session failed: %v", err)
	}
}

func TestUnlockAndLockEdges(t *testing.T) {
	store := statestore.NewMemory()
	obs := New(store, nil)
	defer obs.Close()

	unlocks, locks := 0, 0
	obs.OnUnlock(func() { unlocks++ })
	obs.OnLock(func() { locks++ })

	if !obs.IsLocked() {
		t.Fatal("observer must start locked")
	}

	putSession(t, store, true, "tok-1")
	if obs.IsLocked() {
		t.Fatal("expected unlocked")
	}
	putSession(t, store, false, "")
	putSession(t, store, true, "tok-2")

	if unlocks != 2 {
		t.Fatalf("expected 2 unlock edges, got %d", unlocks)
	}
	if locks != 1 {
		t.Fatalf("expected 1 lock edge, got %d", locks)
	}
}

func TestUnlockWithSameTokenIsSuppressed(t *testing.T) {
	store := statestore.NewMemory()
	obs := New(store, nil)
	defer obs.Close()

	unlocks := 0
	obs.OnUnlock(func() { unlocks++ })

	putSession(t, store, true, "tok-1")
	putSession(t, store, false, "")
	// Same session token resurfacing: same logical session, no new edge.
	putSession(t, store, true, "tok-1")

	if unlocks != 1 {
		t.Fatalf("expected 1 unlock edge, got %d", unlocks)
	}
}

func TestRepeatedUnlockedWritesFireNoEdge(t *testing.T) {
	store := statestore.NewMemory()
	obs := New(store, nil)
	defer obs.Close()

	unlocks := 0
	obs.OnUnlock(func() { unlocks++ })

	putSession(t, store, true, "tok-1")
	putSession(t, store, true, "tok-1")
	putSession(t, store, true, "tok-1")

	if unlocks != 1 {
		t.Fatalf("expected 1 unlock edge, got %d", unlocks)
	}
}

func TestUnrelatedKeysAreIgnored(t *testing.T) {
	store := statestore.NewMemory()
	obs := New(store, nil)
	defer obs.Close()

	unlocks := 0
	obs.OnUnlock(func() { unlocks++ })

	if err := store.Put("wallet/config", models.WalletConfig{}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if unlocks != 0 {
		t.Fatalf("unrelated key fired %d unlock edges", unlocks)
	}
}

func TestObserverSeesPreexistingUnlockedState(t *testing.T) {
	store := statestore.NewMemory()
	putSession(t, store, true, "tok-1")

	obs := New(store, nil)
	defer obs.Close()

	if obs.IsLocked() {
		t.Fatal("observer must pick up pre-existing unlocked state")
	}

	unlocks := 0
	obs.OnUnlock(func() { unlocks++ })
	// Re-unlock with the same token: still the same session.
	putSession(t, store, true, "tok-1")
	if unlocks != 0 {
		t.Fatalf("expected suppression, got %d edges", unlocks)
	}
}
