// Package eventqueue implements the push-stream ingestion pipeline and
// priority dispatch queue (C7): validation, watched-kind filter, per-key
// dedup cooldown, in-queue supersession, overflow policy, and the ready
// gate.
package eventqueue

import (
	"sync"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/NFTToolz/ordinals-bid-bot/internal/metrics"
	"github.com/ethereum/go-ethereum/common/prque"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// Ledger is the subset of C13 the queue needs to record a won purchase. A
// nil Ledger (the default) disables ledger writes.
type Ledger interface {
	Record(entry bidbot.BidLedgerEntry) error
}

const (
	// MaxQueueSize bounds the dispatch queue (§4.7).
	MaxQueueSize = 1000
	// DedupCooldown is the per-key cooldown window for the dedup filter.
	DedupCooldown = 5 * time.Second
	// DropLogInterval logs every Nth overflow drop, to avoid flooding logs
	// under sustained overflow.
	DropLogInterval = 50
)

// item is one element of the priority queue: the event plus its dedup key
// (empty for purchase events, which are never superseded).
type item struct {
	event    bidbot.Event
	key      string
	hasKey   bool
	priority int64
	seq      int64 // tie-break so prque's pop order is FIFO within a priority
}

// Stats are the counters the EventManager exposes to the status endpoint.
type Stats struct {
	StartupDiscarded  int64
	UnknownKind       int64
	UnknownCollection int64
	OwnWallet         int64
	Deduplicated      int64
	Superseded        int64
	Overflowed        int64
	Enqueued          int64
}

// Manager owns the bounded priority dispatch queue and every pre-queue
// filter (§4.7).
type Manager struct {
	mu    sync.Mutex
	pq    *prque.Prque[int64, item]
	byKey map[string]*item // key -> queued item, for O(1) supersession lookup
	size  int

	ready            bool
	activeCollection mapset.Set[string]
	ownsAddress      func(addr string) bool

	lastSeenItem map[string]time.Time // dedup cooldown, key -> last-enqueued time
	seqCounter   int64

	stats Stats

	notify chan struct{} // signaled whenever something is enqueued

	metrics *metrics.Registry
	ledger  Ledger

	log *zap.SugaredLogger
}

// SetTelemetry wires C15's metrics registry and C13's bid ledger into the
// own-wallet filter's won-purchase path. Both are optional; a nil registry
// or ledger simply disables that half of the instrumentation.
func (m *Manager) SetTelemetry(reg *metrics.Registry, ledger Ledger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = reg
	m.ledger = ledger
}

// New constructs a Manager. activeCollections lists the collections whose
// events are not immediately dropped by the known-collection filter.
// ownsAddress reports whether an address belongs to one of our wallets (the
// own-wallet filter); pass nil to disable that filter (e.g. in tests).
func New(activeCollections []string, ownsAddress func(addr string) bool, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if ownsAddress == nil {
		ownsAddress = func(string) bool { return false }
	}
	return &Manager{
		pq:               prque.New[int64, item](nil),
		byKey:            make(map[string]*item),
		activeCollection: mapset.NewSet(activeCollections...),
		ownsAddress:      ownsAddress,
		lastSeenItem:     make(map[string]time.Time),
		notify:           make(chan struct{}, 1),
		log:              log.With("component", "eventqueue"),
	}
}

// SetReady opens the ready gate (§4.7 step 1). Any event discarded before
// this call (and its own call) is counted in StartupDiscarded.
func (m *Manager) SetReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
}

// Stats returns a copy of the current counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Depth returns the current queue length.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// recordWonLocked reacts to a purchase-kind event naming one of our own
// addresses as buyer or new owner: our offer was accepted, so this is a win
// rather than an ordinary own-wallet echo to drop. Caller holds m.mu.
func (m *Manager) recordWonLocked(ev bidbot.Event) {
	if m.metrics != nil {
		m.metrics.BidsWon.WithLabelValues(ev.CollectionSymbol).Inc()
	}
	if m.ledger == nil {
		return
	}
	entry := bidbot.BidLedgerEntry{
		CollectionSymbol: ev.CollectionSymbol,
		TokenID:          ev.TokenID,
		Action:           bidbot.LedgerActionWon,
		CreatedAtMs:      ev.CreatedAtMs,
	}
	ledger := m.ledger
	log := m.log
	go func() {
		if err := ledger.Record(entry); err != nil {
			log.Warnw("bid ledger record failed", "collection", entry.CollectionSymbol, "error", err)
		}
	}()
}

func (m *Manager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Submit runs ev through every pre-queue filter (§4.7 steps 1-6) and, if it
// survives, pushes it onto the priority queue at PriorityCounter, above
// scheduled-loop work submitted through SubmitScheduled.
func (m *Manager) Submit(ev bidbot.Event) {
	m.submit(ev, bidbot.PriorityCounter)
}

// SubmitScheduled enqueues a scheduler-originated work item at
// PriorityScheduled. It passes through the same filters as Submit, so the
// event's own dedup key, if it has one, still applies to the cooldown and
// to in-queue supersession.
func (m *Manager) SubmitScheduled(ev bidbot.Event) {
	m.submit(ev, bidbot.PriorityScheduled)
}

func (m *Manager) submit(ev bidbot.Event, priority int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		m.stats.StartupDiscarded++
		return
	}
	if _, watched := bidbot.WatchedKinds[ev.Kind]; !watched {
		m.stats.UnknownKind++
		return
	}
	if ev.CollectionSymbol != "" && !m.activeCollection.Contains(ev.CollectionSymbol) {
		m.stats.UnknownCollection++
		return
	}
	if m.ownsAddress(ev.BuyerPaymentAddress) || m.ownsAddress(ev.NewOwner) {
		m.stats.OwnWallet++
		if _, purchase := bidbot.PurchaseKinds[ev.Kind]; purchase {
			m.recordWonLocked(ev)
		}
		return
	}

	key, hasKey := ev.DedupKey()
	now := time.Now()

	if hasKey {
		if last, seen := m.lastSeenItem[key]; seen && now.Sub(last) < DedupCooldown {
			m.stats.Deduplicated++
			return
		}
		if existing, queued := m.byKey[key]; queued {
			m.removeItemLocked(existing)
			m.stats.Superseded++
		}
		m.lastSeenItem[key] = now
	}

	m.seqCounter++
	it := &item{event: ev, key: key, hasKey: hasKey, priority: priority, seq: m.seqCounter}
	m.enqueueLocked(it)
	m.stats.Enqueued++
	m.signal()
}

// enqueueLocked pushes it, applying the overflow policy first if the queue
// is already full. Caller holds m.mu.
func (m *Manager) enqueueLocked(it *item) {
	if m.size >= MaxQueueSize {
		m.evictForOverflowLocked()
	}
	// prque pops the highest (priority, tie) first; encode seq as a
	// secondary key by biasing priority with a tiny fractional offset is not
	// possible with integer priorities, so instead we give every item a
	// combined priority that keeps priority dominant and seq breaking ties
	// towards FIFO (earlier seq = higher combined value within the same
	// priority band).
	combined := it.priority*int64(1<<40) - it.seq
	m.pq.Push(*it, combined)
	if it.hasKey {
		m.byKey[it.key] = it
	}
	m.size++
}

// drainLocked empties the queue and returns its contents in arbitrary order.
// prque exposes no bulk or indexed removal, so any filtered rebuild goes
// through a full Pop drain. Caller holds m.mu.
func (m *Manager) drainLocked() []item {
	all := make([]item, 0, m.size)
	for !m.pq.Empty() {
		v, _ := m.pq.Pop()
		all = append(all, v)
	}
	m.byKey = make(map[string]*item)
	m.size = 0
	return all
}

// rebuildLocked re-pushes kept, restoring byKey. Caller holds m.mu.
func (m *Manager) rebuildLocked(kept []item) {
	for _, v := range kept {
		vv := v
		combined := vv.priority*int64(1<<40) - vv.seq
		m.pq.Push(vv, combined)
		if vv.hasKey {
			m.byKey[vv.key] = &vv
		}
		m.size++
	}
}

// evictForOverflowLocked drops the first non-purchase element found, or the
// oldest element if every queued item is a purchase event (§4.7 "Overflow
// policy"). Caller holds m.mu.
func (m *Manager) evictForOverflowLocked() {
	all := m.drainLocked()

	dropIdx := -1
	for i, v := range all {
		if _, purchase := bidbot.PurchaseKinds[v.event.Kind]; !purchase {
			dropIdx = i
			break
		}
	}
	if dropIdx == -1 {
		// every queued item is a purchase event; drop the oldest by seq
		oldest := 0
		for i, v := range all {
			if v.seq < all[oldest].seq {
				oldest = i
			}
		}
		dropIdx = oldest
	}
	kept := append(all[:dropIdx], all[dropIdx+1:]...)
	m.rebuildLocked(kept)

	m.stats.Overflowed++
	if m.stats.Overflowed%DropLogInterval == 0 {
		m.log.Warnw("event queue overflow, dropping events", "totalDropped", m.stats.Overflowed)
	}
}

// removeItemLocked removes it from the queue (used for in-queue
// supersession). Caller holds m.mu.
func (m *Manager) removeItemLocked(it *item) {
	all := m.drainLocked()
	kept := all[:0]
	for _, v := range all {
		if v.seq == it.seq {
			continue
		}
		kept = append(kept, v)
	}
	m.rebuildLocked(kept)
}

// Next blocks until an item is available or done fires, then pops and
// returns the highest-priority, earliest-arrived event.
func (m *Manager) Next(done <-chan struct{}) (bidbot.Event, bool) {
	for {
		m.mu.Lock()
		if m.size > 0 {
			v, _ := m.pq.Pop()
			m.size--
			if v.hasKey {
				if cur, ok := m.byKey[v.key]; ok && cur.seq == v.seq {
					delete(m.byKey, v.key)
				}
			}
			m.mu.Unlock()
			return v.event, true
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-done:
			return bidbot.Event{}, false
		}
	}
}
