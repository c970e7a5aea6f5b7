package bridge

import (
	"errors"
	"sync"
)

// ErrBusy is returned when a connection attempts to acquire the interpreter
// channel while another session holds it.
var ErrBusy = errors.New("another client is connected")

// Arbiter serializes access to the single interpreter channel. It is a
// two-state machine: idle, or active with exactly one session ID. Both
// listeners go through it; neither knows about the other.
type Arbiter struct {
	mu     sync.Mutex
	active string // session ID, empty when idle
}

// Acquire grants exclusive forwarding rights to the session, failing with
// ErrBusy unless the arbiter is idle.
func (a *Arbiter) Acquire(sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active != "" {
		return ErrBusy
	}
	a.active = sessionID
	return nil
}

// Release returns the arbiter to idle. A release by a session that is not
// the current holder is a no-op, so a stale release after a forced
// disconnect cannot evict a newer session.
func (a *Arbiter) Release(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == sessionID {
		a.active = ""
	}
}

// Active returns the holding session ID, if any.
func (a *Arbiter) Active() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active, a.active != ""
}
