// Package walletpool implements the per-wallet rolling-window bid counters
// and wallet selection (C2), plus optional wallet-group binding.
package walletpool

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const window = 60 * time.Second

// Wallet is one funding wallet's identity and mutable rate-limit state.
type Wallet struct {
	Label          string
	PaymentAddress string
	ReceiveAddress string

	bidsPerMinute int
	bidsInWindow  int
	windowStartMs int64
	lastUsedMs    int64
}

// BidsInWindow returns how many bids this wallet has placed in its current
// rolling window. Read-only snapshot; callers should go through Pool for
// anything that needs to be correct under concurrency.
func (w *Wallet) BidsInWindow() int { return w.bidsInWindow }

// BidsPerMinute returns the wallet's configured cap.
func (w *Wallet) BidsPerMinute() int { return w.bidsPerMinute }

// Pool is the flat wallet pool (C2). A WalletGroupManager composes several
// Pools, one per group, and falls back to a default Pool when a collection
// names no group.
type Pool struct {
	mu      sync.Mutex
	wallets []*Wallet
	log     *zap.SugaredLogger
}

// New builds a Pool from a list of wallets, all sharing bidsPerMinute.
func New(wallets []*Wallet, bidsPerMinute int, log *zap.SugaredLogger) *Pool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	now := time.Now().UnixMilli()
	for _, w := range wallets {
		w.bidsPerMinute = bidsPerMinute
		w.windowStartMs = now
	}
	return &Pool{wallets: wallets, log: log.With("component", "walletpool")}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// resetIfExpiredLocked resets w's window if 60s have elapsed. Caller holds p.mu.
func resetIfExpiredLocked(w *Wallet, now int64) {
	if now-w.windowStartMs >= window.Milliseconds() {
		w.bidsInWindow = 0
		w.windowStartMs = now
	}
}

// AcquireAsync returns the least-recently-used wallet under its cap,
// pre-incrementing its counter, or nil if every wallet is saturated (§4.2).
func (p *Pool) AcquireAsync() *Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := nowMs()
	var best *Wallet
	for _, w := range p.wallets {
		resetIfExpiredLocked(w, now)
		if w.bidsInWindow >= w.bidsPerMinute {
			continue
		}
		if best == nil || w.lastUsedMs < best.lastUsedMs {
			best = w
		}
	}
	if best == nil {
		return nil
	}
	best.bidsInWindow++
	best.lastUsedMs = now
	return best
}

// WaitForAvailable blocks, polling every 200ms, until a wallet becomes
// available or done fires.
func (p *Pool) WaitForAvailable(done <-chan struct{}) *Wallet {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	if w := p.AcquireAsync(); w != nil {
		return w
	}
	for {
		select {
		case <-ticker.C:
			if w := p.AcquireAsync(); w != nil {
				return w
			}
		case <-done:
			return nil
		}
	}
}

// DecrementBidCount undoes a pre-increment from AcquireAsync when the bid
// that reserved it was never actually placed. Never goes below zero.
func (p *Pool) DecrementBidCount(paymentAddress string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.findLocked(paymentAddress); w != nil && w.bidsInWindow > 0 {
		w.bidsInWindow--
	}
}

// RecordBid increments the matched wallet's counter directly (legacy path
// for callers that did not go through AcquireAsync, e.g. a wallet chosen by
// the caller for reasons outside the pool's LRU policy).
func (p *Pool) RecordBid(paymentAddress string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := nowMs()
	if w := p.findLocked(paymentAddress); w != nil {
		resetIfExpiredLocked(w, now)
		w.bidsInWindow++
		w.lastUsedMs = now
	}
}

func (p *Pool) findLocked(addr string) *Wallet {
	for _, w := range p.wallets {
		if strings.EqualFold(w.PaymentAddress, addr) {
			return w
		}
	}
	return nil
}

// GetByPaymentAddress looks up a wallet case-insensitively.
func (p *Pool) GetByPaymentAddress(addr string) *Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findLocked(addr)
}

// GetByReceiveAddress looks up a wallet by its receive address, case-insensitively.
func (p *Pool) GetByReceiveAddress(addr string) *Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.wallets {
		if strings.EqualFold(w.ReceiveAddress, addr) {
			return w
		}
	}
	return nil
}

// OwnsAddress reports whether addr (payment or receive) belongs to any
// wallet in the pool. Used by the EventManager's own-wallet filter (§4.7).
func (p *Pool) OwnsAddress(addr string) bool {
	if addr == "" {
		return false
	}
	return p.GetByPaymentAddress(addr) != nil || p.GetByReceiveAddress(addr) != nil
}

// ResetAllWindows clears every wallet's rolling counter. Diagnostic/test use.
func (p *Pool) ResetAllWindows() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := nowMs()
	for _, w := range p.wallets {
		w.bidsInWindow = 0
		w.windowStartMs = now
	}
}

// Wallets returns a shallow copy of the wallet slice, for status reporting.
func (p *Pool) Wallets() []*Wallet {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Wallet, len(p.wallets))
	copy(out, p.wallets)
	return out
}

// Capacity returns len(wallets) * bidsPerMinute, the pool's share of the
// pacer's total capacity (§3).
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.wallets) == 0 {
		return 0
	}
	return len(p.wallets) * p.wallets[0].bidsPerMinute
}
