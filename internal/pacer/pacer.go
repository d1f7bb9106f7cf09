// Package pacer implements the global sliding-window bid-rate limiter (C1).
package pacer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"go.uber.org/zap"
)

const window = 60 * time.Second

// Pacer bounds the number of bids in flight to Capacity within any trailing
// 60 second window. Unlike a token bucket, every reservation gets a unique
// id so that releasing one reservation can never accidentally release
// another racing one (§4.1).
type Pacer struct {
	mu       sync.Mutex
	slots    map[uint64]time.Time
	nextID   uint64
	capacity int

	shutdown chan struct{}
	once     sync.Once

	log *zap.SugaredLogger
}

// New creates a Pacer with the given capacity (§3: capacity = sum of
// wallets*bidsPerMinute across active groups, or len(wallets)*bidsPerMinute
// in flat mode).
func New(capacity int, log *zap.SugaredLogger) *Pacer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pacer{
		slots:    make(map[uint64]time.Time),
		capacity: capacity,
		shutdown: make(chan struct{}),
		log:      log.With("component", "pacer"),
	}
}

// Shutdown aborts any pending reservation sleeps. Idempotent.
func (p *Pacer) Shutdown() {
	p.once.Do(func() { close(p.shutdown) })
}

// Used reports how many slots are currently inside the trailing window.
// Diagnostic only; not safe to rely on for correctness since it can change
// the instant after it returns.
func (p *Pacer) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked(time.Now())
	return len(p.slots)
}

// Capacity returns the configured capacity.
func (p *Pacer) Capacity() int {
	return p.capacity
}

// expireLocked removes slots older than the window. Caller must hold p.mu.
func (p *Pacer) expireLocked(now time.Time) {
	for id, ts := range p.slots {
		if now.Sub(ts) >= window {
			delete(p.slots, id)
		}
	}
}

// ReserveSlot blocks until a slot is available and returns its id. The
// caller must eventually call ReleaseSlot(id) unless the reservation was
// consumed by a successful bid (consumed slots simply age out of the
// window on their own).
func (p *Pacer) ReserveSlot(ctx context.Context) (uint64, error) {
	for {
		p.mu.Lock()
		now := time.Now()
		p.expireLocked(now)

		if len(p.slots) < p.capacity {
			p.nextID++
			id := p.nextID
			p.slots[id] = now
			p.mu.Unlock()
			return id, nil
		}

		oldest := now
		for _, ts := range p.slots {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		wait := oldest.Add(window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		jitter := time.Duration(rand.Int63n(int64(25 * time.Millisecond)))
		p.mu.Unlock()

		timer := time.NewTimer(wait + jitter)
		select {
		case <-timer.C:
			// retry
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-p.shutdown:
			timer.Stop()
			return 0, bidbot.ErrPacerShuttingDown
		}
	}
}

// ReleaseSlot removes a reservation immediately. Releasing slot 0 or an
// unknown id is a no-op, matching the "slotId > 0" guard callers use for
// early-exit paths before a reservation was ever made (§4.1).
func (p *Pacer) ReleaseSlot(id uint64) {
	if id == 0 {
		return
	}
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
}
