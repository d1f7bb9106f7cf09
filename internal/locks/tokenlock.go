// Package locks implements the per-token FIFO mutual exclusion (C3) and the
// per-collection serialized quantity increment (C4).
package locks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// staleAfter is how long a held token lock can go without being released
// before it is forcibly reclaimed (§4.3).
const staleAfter = 60 * time.Second

type tokenState struct {
	heldSince time.Time
	waiters   []chan struct{} // FIFO queue of resumption signals
}

// TokenLock provides FIFO mutual exclusion keyed by token id, with stale-lock
// reclamation so a crashed or buggy holder can never wedge a token forever.
type TokenLock struct {
	mu     sync.Mutex
	tokens map[string]*tokenState
	log    *zap.SugaredLogger
}

// NewTokenLock constructs an empty TokenLock.
func NewTokenLock(log *zap.SugaredLogger) *TokenLock {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TokenLock{
		tokens: make(map[string]*tokenState),
		log:    log.With("component", "tokenlock"),
	}
}

// Acquire blocks until the caller holds tokenID, then returns. A lock held
// longer than staleAfter is reclaimed from its current holder on the next
// Acquire attempt for the same token.
func (l *TokenLock) Acquire(tokenID string) {
	l.mu.Lock()
	st, exists := l.tokens[tokenID]
	if !exists {
		l.tokens[tokenID] = &tokenState{heldSince: time.Now()}
		l.mu.Unlock()
		return
	}

	if time.Since(st.heldSince) > staleAfter {
		l.log.Warnw("reclaiming stale token lock", "tokenId", tokenID, "heldFor", time.Since(st.heldSince))
		st.heldSince = time.Now()
		l.mu.Unlock()
		return
	}

	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	l.mu.Unlock()

	<-ch // woken by Release, which has already set heldSince for us
}

// AcquireContext is like Acquire but gives up and returns false if ctx is
// done before the lock is won. Used by QuantityLock to bound each of its
// retry attempts.
func (l *TokenLock) AcquireContext(ctx context.Context, tokenID string) bool {
	l.mu.Lock()
	st, exists := l.tokens[tokenID]
	if !exists {
		l.tokens[tokenID] = &tokenState{heldSince: time.Now()}
		l.mu.Unlock()
		return true
	}
	if time.Since(st.heldSince) > staleAfter {
		st.heldSince = time.Now()
		l.mu.Unlock()
		return true
	}

	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		l.removeWaiter(tokenID, ch)
		return false
	}
}

// removeWaiter drops ch from tokenID's waiter queue if it is still there
// (it may already have been popped and closed by a racing Release).
func (l *TokenLock) removeWaiter(tokenID string, ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tokens[tokenID]
	if !ok {
		return
	}
	for i, w := range st.waiters {
		if w == ch {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// Release hands the lock to the next FIFO waiter, if any, or deletes the
// entry when no one is waiting.
func (l *TokenLock) Release(tokenID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.tokens[tokenID]
	if !ok {
		return
	}
	if len(st.waiters) == 0 {
		delete(l.tokens, tokenID)
		return
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	st.heldSince = time.Now()
	close(next)
}

// Held reports whether tokenID currently has an entry (held or waited-on).
// Diagnostic/test use.
func (l *TokenLock) Held(tokenID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tokens[tokenID]
	return ok
}
