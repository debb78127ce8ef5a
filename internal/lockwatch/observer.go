// Package lockwatch turns continuous session-state changes into discrete
// lock/unlock edge events. Orchestrators use the unlock edge to resume
// interrupted transactions the moment key material is back in memory.
package lockwatch

import (
	"log/slog"
	"sync"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/statestore"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

// SessionKey is the state-container key holding models.SessionState.
const SessionKey = "wallet/session"

type Observer struct {
	store  *statestore.Store
	logger *slog.Logger
	cancel func()

	mu        sync.Mutex
	unlocked  bool
	lastToken string
	onLock    []func()
	onUnlock  []func()
}

func New(store *statestore.Store, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Observer{store: store, logger: logger}

	var session models.SessionState
	if ok, err := store.Get(SessionKey, &session); err == nil && ok {
		o.unlocked = session.Unlocked
		if session.Unlocked {
			o.lastToken = session.AuthToken
		}
	}
	o.cancel = store.Watch(o.onChange)
	return o
}

// IsLocked reports whether wallet key material is currently absent.
func (o *Observer) IsLocked() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.unlocked
}

// OnUnlock registers a handler fired once per transition into the unlocked
// state. A repeated unlock carrying the same auth token is the same logical
// session and does not fire again. Handler panics are the handler's own
// problem; the observer has no retry or error routing.
func (o *Observer) OnUnlock(fn func()) {
	o.mu.Lock()
	o.onUnlock = append(o.onUnlock, fn)
	o.mu.Unlock()
}

// OnLock registers a handler fired once per transition into the locked state.
func (o *Observer) OnLock(fn func()) {
	o.mu.Lock()
	o.onLock = append(o.onLock, fn)
	o.mu.Unlock()
}

func (o *Observer) Close() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Observer) onChange(key string) {
	if key != SessionKey {
		return
	}
	var session models.SessionState
	ok, err := o.store.Get(SessionKey, &session)
	if err != nil {
		o.logger.Error("session state read failed", "error", err)
		return
	}
	if !ok {
		session = models.SessionState{}
	}

	o.mu.Lock()
	was := o.unlocked
	o.unlocked = session.Unlocked

	var fire []func()
	switch {
	case !was && session.Unlocked:
		if session.AuthToken != "" && session.AuthToken == o.lastToken {
			// Same logical session surfacing again; no edge.
			break
		}
		o.lastToken = session.AuthToken
		fire = append(fire, o.onUnlock...)
	case was && !session.Unlocked:
		fire = append(fire, o.onLock...)
	}
	o.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}
