package upload

import (
	"context"
	"sync"
)

// coordinator is the in-process view of every session: how many chunk
// writers are active and whether a reassembly holds the session claim.
type coordinator struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	writers int
	// idle is closed when writers drops to zero.
	idle    chan struct{}
	claimed bool
}

func newCoordinator() *coordinator {
	return &coordinator{sessions: make(map[string]*sessionState)}
}

// beginWrite registers an active writer and returns the func that ends it.
func (c *coordinator) beginWrite(sessionID string) func() {
	c.mu.Lock()
	st := c.state(sessionID)
	if st.writers == 0 {
		st.idle = make(chan struct{})
	}
	st.writers++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			st.writers--
			if st.writers == 0 {
				close(st.idle)
				c.gc(sessionID, st)
			}
		})
	}
}

// waitIdle blocks until no writer of sessionID is active in this process.
func (c *coordinator) waitIdle(ctx context.Context, sessionID string) error {
	for {
		c.mu.Lock()
		st, ok := c.sessions[sessionID]
		if !ok || st.writers == 0 {
			c.mu.Unlock()
			return nil
		}
		idle := st.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryClaim is the compare-and-swap guarding reassembly. Only one caller per
// session gets true until release is called.
func (c *coordinator) tryClaim(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(sessionID)
	if st.claimed {
		return false
	}
	st.claimed = true
	return true
}

func (c *coordinator) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	st.claimed = false
	c.gc(sessionID, st)
}

func (c *coordinator) state(sessionID string) *sessionState {
	st, ok := c.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		c.sessions[sessionID] = st
	}
	return st
}

// gc drops idle, unclaimed entries. Caller holds c.mu.
func (c *coordinator) gc(sessionID string, st *sessionState) {
	if st.writers == 0 && !st.claimed && c.sessions[sessionID] == st {
		delete(c.sessions, sessionID)
	}
}
