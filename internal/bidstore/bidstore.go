// Package bidstore implements the in-memory bid-history store (C5): per-
// collection bid records, TTL cleanup, size caps, and debounced
// atomic-rename JSON persistence.
package bidstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"go.uber.org/zap"
)

// DefaultDebounce is the default coalescing window for persistence writes (§4.5).
const DefaultDebounce = 15 * time.Second

// Store owns bidHistory exclusively; every reader and writer in the process
// goes through its methods (§3 Ownership).
type Store struct {
	mu      sync.Mutex
	records map[string]*bidbot.CollectionBidRecord

	path     string
	debounce time.Duration
	dirty    bool
	timer    *time.Timer

	log *zap.SugaredLogger
}

// New constructs a Store that persists to path, debouncing writes by debounce
// (0 selects DefaultDebounce).
func New(path string, debounce time.Duration, log *zap.SugaredLogger) *Store {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		records:  make(map[string]*bidbot.CollectionBidRecord),
		path:     path,
		debounce: debounce,
		log:      log.With("component", "bidstore"),
	}
}

// Load reads path (if it exists) into the store. Intended to run once at
// boot, before the ready gate opens (§4.7 step 1).
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("bidstore: read %s: %w", s.path, err)
	}
	var records map[string]*bidbot.CollectionBidRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("bidstore: unmarshal %s: %w", s.path, err)
	}
	for sym, rec := range records {
		if rec.OurBids == nil {
			rec.OurBids = make(map[string]bidbot.BidRecord)
		}
		if rec.TopBids == nil {
			rec.TopBids = make(map[string]struct{})
		}
		s.records[sym] = rec
	}
	return nil
}

// Init creates a record for sym if absent. Never overwrites an existing one.
func (s *Store) Init(sym string, offerType bidbot.OfferType) *bidbot.CollectionBidRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[sym]; ok {
		return rec
	}
	rec := bidbot.NewCollectionBidRecord(sym, offerType)
	s.records[sym] = rec
	return rec
}

func (s *Store) getLocked(sym string) (*bidbot.CollectionBidRecord, bool) {
	rec, ok := s.records[sym]
	return rec, ok
}

// GetOurBids returns a shallow copy of sym's bid map.
func (s *Store) GetOurBids(sym string) map[string]bidbot.BidRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.getLocked(sym)
	if !ok {
		return nil
	}
	out := make(map[string]bidbot.BidRecord, len(rec.OurBids))
	for k, v := range rec.OurBids {
		out[k] = v
	}
	return out
}

// GetOurBid returns our recorded bid on tokenID within sym, if any.
func (s *Store) GetOurBid(sym, tokenID string) (bidbot.BidRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return bidbot.BidRecord{}, false
	}
	rec, ok := cbr.OurBids[tokenID]
	return rec, ok
}

// SetOurBid records (or replaces) our bid on tokenID within sym and marks
// the store dirty for debounced persistence.
func (s *Store) SetOurBid(sym, tokenID string, rec bidbot.BidRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return
	}
	cbr.OurBids[tokenID] = rec
	s.markDirtyLocked()
}

// RemoveOurBid deletes our bid on tokenID, clearing any associated top-bid flag.
func (s *Store) RemoveOurBid(sym, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return
	}
	delete(cbr.OurBids, tokenID)
	delete(cbr.TopBids, tokenID)
	s.markDirtyLocked()
}

// MarkTop records that tokenID is our confirmed current top bid.
func (s *Store) MarkTop(sym, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return
	}
	if _, hasBid := cbr.OurBids[tokenID]; !hasBid {
		return // invariant: TopBids subset of OurBids keys
	}
	cbr.TopBids[tokenID] = struct{}{}
	s.markDirtyLocked()
}

// ClearTop removes the top-bid flag for tokenID.
func (s *Store) ClearTop(sym, tokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return
	}
	delete(cbr.TopBids, tokenID)
	s.markDirtyLocked()
}

// IsTop reports whether tokenID is currently flagged as our top bid.
func (s *Store) IsTop(sym, tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return false
	}
	_, top := cbr.TopBids[tokenID]
	return top
}

// SetBottomListings atomically swaps sym's cheapest-listings snapshot.
func (s *Store) SetBottomListings(sym string, listings []bidbot.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return
	}
	cbr.BottomListings = listings
	s.markDirtyLocked()
}

// BottomListings returns sym's most recent cheapest-listings snapshot, as
// last set by SetBottomListings.
func (s *Store) BottomListings(sym string) []bidbot.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return nil
	}
	return cbr.BottomListings
}

// HighestCollectionOffer returns sym's highest recorded COLLECTION-mode offer.
func (s *Store) HighestCollectionOffer(sym string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return 0
	}
	return cbr.HighestCollectionOffer
}

// SetHighestCollectionOffer records sym's new highest COLLECTION-mode offer.
func (s *Store) SetHighestCollectionOffer(sym string, priceSats int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return
	}
	cbr.HighestCollectionOffer = priceSats
	s.markDirtyLocked()
}

// Quantity returns sym's current items-won counter.
func (s *Store) Quantity(sym string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return 0
	}
	return cbr.Quantity
}

// SetQuantity sets sym's items-won counter (used by QuantityLock's setter callback).
func (s *Store) SetQuantity(sym string, q int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbr, ok := s.getLocked(sym)
	if !ok {
		return
	}
	cbr.Quantity = q
	s.markDirtyLocked()
}

// Snapshot returns a shallow copy of the whole records map, for the status
// endpoint. Callers must treat the returned records as read-only.
func (s *Store) Snapshot() map[string]*bidbot.CollectionBidRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*bidbot.CollectionBidRecord, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Cleanup runs the periodic TTL/size-cap pass (§4.5). Call this from a
// background ticker.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	maxAge := bidbot.BidHistoryMaxAge.Milliseconds()
	changed := false

	for _, cbr := range s.records {
		for tokenID, rec := range cbr.OurBids {
			if rec.ExpirationMs < now-maxAge {
				delete(cbr.OurBids, tokenID)
				delete(cbr.TopBids, tokenID)
				changed = true
			}
		}
		if len(cbr.OurBids) > bidbot.MaxBidsPerCollection {
			s.trimToCapLocked(cbr)
			changed = true
		}
	}
	if changed {
		s.markDirtyLocked()
	}
}

// trimToCapLocked keeps only the MaxBidsPerCollection entries with the
// latest expiration. Caller holds s.mu.
func (s *Store) trimToCapLocked(cbr *bidbot.CollectionBidRecord) {
	type entry struct {
		tokenID string
		rec     bidbot.BidRecord
	}
	entries := make([]entry, 0, len(cbr.OurBids))
	for k, v := range cbr.OurBids {
		entries = append(entries, entry{k, v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].rec.ExpirationMs > entries[j].rec.ExpirationMs
	})
	keep := entries[:bidbot.MaxBidsPerCollection]
	kept := make(map[string]bidbot.BidRecord, len(keep))
	for _, e := range keep {
		kept[e.tokenID] = e.rec
	}
	for tokenID := range cbr.TopBids {
		if _, ok := kept[tokenID]; !ok {
			delete(cbr.TopBids, tokenID)
		}
	}
	cbr.OurBids = kept
}

// markDirtyLocked schedules a debounced write. Caller holds s.mu.
func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.timer != nil {
		return // a write is already scheduled; it will pick up this mutation too
	}
	s.timer = time.AfterFunc(s.debounce, s.flushAsync)
}

func (s *Store) flushAsync() {
	if err := s.ForceWrite(); err != nil {
		s.log.Errorw("debounced bid history write failed", "error", err)
	}
}

// ForceWrite cancels any pending debounce and flushes synchronously. Used at
// shutdown and by the debounce timer itself.
func (s *Store) ForceWrite() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	records := make(map[string]*bidbot.CollectionBidRecord, len(s.records))
	for k, v := range s.records {
		out := *v
		out.OurBids = copyBidMap(v.OurBids)
		out.TopBids = copySet(v.TopBids)
		records[k] = &out
	}
	s.mu.Unlock()

	return s.writeAtomic(records)
}

func (s *Store) writeAtomic(records map[string]*bidbot.CollectionBidRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("bidstore: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bidstore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".bidhistory-*.tmp")
	if err != nil {
		return fmt.Errorf("bidstore: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("bidstore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bidstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("bidstore: rename into place: %w", err)
	}
	return nil
}

func copyBidMap(m map[string]bidbot.BidRecord) map[string]bidbot.BidRecord {
	out := make(map[string]bidbot.BidRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
