// Package bidbot implements the concurrency and correctness engine of an
// automated bidding agent for a Bitcoin ordinals marketplace.
package bidbot

import (
	"fmt"
	"time"
)

// OfferType distinguishes a per-token bid from a collection-wide bid.
type OfferType string

const (
	OfferTypeItem       OfferType = "ITEM"
	OfferTypeCollection OfferType = "COLLECTION"
)

// Kind enumerates the marketplace activity kinds the event pipeline watches.
// Anything outside this set is dropped by the EventManager's watched-kind filter.
type Kind string

const (
	KindOfferPlaced               Kind = "offer_placed"
	KindCollOfferCreated          Kind = "coll_offer_created"
	KindCollOfferEdited           Kind = "coll_offer_edited"
	KindOfferCancelled            Kind = "offer_cancelled"
	KindCollOfferCancelled        Kind = "coll_offer_cancelled"
	KindBuyingBroadcasted         Kind = "buying_broadcasted"
	KindOfferAcceptedBroadcasted  Kind = "offer_accepted_broadcasted"
	KindCollOfferFulfillBroadcast Kind = "coll_offer_fulfill_broadcasted"
)

// WatchedKinds is the set of Kind values the EventManager accepts past the
// watched-kind filter (§4.7 step 2).
var WatchedKinds = map[Kind]struct{}{
	KindOfferPlaced:               {},
	KindCollOfferCreated:          {},
	KindCollOfferEdited:           {},
	KindOfferCancelled:            {},
	KindCollOfferCancelled:        {},
	KindBuyingBroadcasted:         {},
	KindOfferAcceptedBroadcasted:  {},
	KindCollOfferFulfillBroadcast: {},
}

// PurchaseKinds never supersede, and are never superseded, in the event queue.
var PurchaseKinds = map[Kind]struct{}{
	KindBuyingBroadcasted:         {},
	KindOfferAcceptedBroadcasted:  {},
	KindCollOfferFulfillBroadcast: {},
}

// CollectionConfig is the read-only per-cycle configuration for one collection.
//
// BidCount, when zero, is treated by the scheduler as 1. Must satisfy
// MinBid <= MaxBid and MinFloorBid <= MaxFloorBid; when Traits is empty and
// OfferType is ITEM or COLLECTION, MaxFloorBid must not exceed 100.
type CollectionConfig struct {
	Symbol               string
	MinBid               float64 // BTC
	MaxBid               float64 // BTC
	MinFloorBid          float64 // percent of floor, 0-100+
	MaxFloorBid          float64 // percent of floor, 0-100+
	BidCount             int
	DurationMinutes      int
	ScheduledLoopSeconds int
	EnableCounterBidding bool
	OutBidMargin         float64 // BTC
	OfferType            OfferType
	Quantity             int
	FeeSatsPerVbyte      int64
	Traits               []string
	WalletGroup          string // optional, empty means default/flat pool
}

// Validate checks the invariants from §3. It never mutates c.
func (c CollectionConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("collection config: symbol must not be empty")
	}
	if c.MinBid > c.MaxBid {
		return fmt.Errorf("collection config %s: minBid (%v) > maxBid (%v)", c.Symbol, c.MinBid, c.MaxBid)
	}
	if c.MinFloorBid > c.MaxFloorBid {
		return fmt.Errorf("collection config %s: minFloorBid (%v) > maxFloorBid (%v)", c.Symbol, c.MinFloorBid, c.MaxFloorBid)
	}
	if c.OfferType != OfferTypeItem && c.OfferType != OfferTypeCollection {
		return fmt.Errorf("collection config %s: offerType must be ITEM or COLLECTION, got %q", c.Symbol, c.OfferType)
	}
	if len(c.Traits) == 0 && c.MaxFloorBid > 100 {
		return fmt.Errorf("collection config %s: maxFloorBid must be <= 100 when no traits are configured", c.Symbol)
	}
	if c.Quantity < 0 {
		return fmt.Errorf("collection config %s: quantity must be >= 0", c.Symbol)
	}
	return nil
}

// BidRecord is our active bid on a single token.
type BidRecord struct {
	Price          int64 // sats
	ExpirationMs   int64 // epoch ms
	PaymentAddress string
	OfferID        string
}

// Listing is one entry of a collection's cheapest-listings snapshot.
type Listing struct {
	TokenID string
	Price   int64 // sats
}

// MaxBidsPerCollection bounds how many BidRecords a single CollectionBidRecord
// may hold before cleanup starts evicting the stalest entries (§3).
const MaxBidsPerCollection = 500

// BidHistoryMaxAge is the age past which an expired BidRecord is eligible for
// removal by BidHistoryStore.Cleanup (§3, §4.5).
const BidHistoryMaxAge = 24 * time.Hour

// CollectionBidRecord is the full state BidHistoryStore keeps for one collection.
type CollectionBidRecord struct {
	Symbol                 string
	OfferType              OfferType
	OurBids                map[string]BidRecord // tokenId -> BidRecord
	TopBids                map[string]struct{}  // tokenId set, subset of OurBids keys
	BottomListings         []Listing
	LastSeenActivityMs     int64
	Quantity               int
	HighestCollectionOffer int64 // sats, COLLECTION mode only
}

// NewCollectionBidRecord constructs an empty record for sym. Callers should
// only do this once per collection; BidHistoryStore.Init enforces that.
func NewCollectionBidRecord(sym string, offerType OfferType) *CollectionBidRecord {
	return &CollectionBidRecord{
		Symbol:    sym,
		OfferType: offerType,
		OurBids:   make(map[string]BidRecord),
		TopBids:   make(map[string]struct{}),
	}
}

// Event is a validated marketplace activity, post-JSON-decode.
type Event struct {
	Kind                Kind
	CollectionSymbol    string
	TokenID             string
	ListedPrice         int64 // sats, 0 if not applicable
	BuyerPaymentAddress string
	NewOwner            string
	CreatedAtMs         int64
}

// DedupKey returns the key used for both the per-key dedup cooldown (§4.7 step
// 5) and in-queue supersession (§4.7 step 6). Purchase kinds never supersede
// and return ok=false.
func (e Event) DedupKey() (key string, ok bool) {
	if _, purchase := PurchaseKinds[e.Kind]; purchase {
		return "", false
	}
	switch e.Kind {
	case KindOfferPlaced, KindOfferCancelled:
		return fmt.Sprintf("item:%s:%s", e.CollectionSymbol, e.TokenID), true
	case KindCollOfferCreated, KindCollOfferEdited, KindCollOfferCancelled:
		return fmt.Sprintf("coll_offer:%s", e.CollectionSymbol), true
	default:
		return "", false
	}
}

// Dispatch priorities: counter-bid work always runs at elevated priority over
// scheduled-loop work (§4.7 "Dispatch").
const (
	PriorityScheduled = 0
	PriorityCounter   = 1
)

// StatsSnapshot is the read-only document served by the status endpoint (C14).
type StatsSnapshot struct {
	UptimeSeconds   float64                          `json:"uptimeSeconds"`
	Goroutines      int                              `json:"goroutines"`
	BidsPlaced      int64                            `json:"bidsPlaced"`
	BidsCountered   int64                            `json:"bidsCountered"`
	BidsCancelled   int64                            `json:"bidsCancelled"`
	BidsWon         int64                            `json:"bidsWon"`
	SkipReasons     map[string]int64                 `json:"skipReasons"`
	PacerUsed       int                              `json:"pacerUsed"`
	PacerCapacity   int                              `json:"pacerCapacity"`
	QueueDepth      int                              `json:"queueDepth"`
	StreamConnected bool                             `json:"streamConnected"`
	Wallets         []WalletStatus                   `json:"wallets"`
	BidHistory      map[string]*CollectionBidRecord   `json:"bidHistory"`
}

// WalletStatus is the per-wallet slice of a StatsSnapshot.
type WalletStatus struct {
	PaymentAddress string `json:"paymentAddress"`
	BidsInWindow   int    `json:"bidsInWindow"`
	BidsPerMinute  int    `json:"bidsPerMinute"`
	Group          string `json:"group,omitempty"`
}

// WalletFileEnvelope is the on-disk shape of an encrypted wallets.json (§3.1,
// §4.12). A plaintext wallets.json skips this envelope entirely.
type WalletFileEnvelope struct {
	Salt      []byte `json:"salt"`
	IV        []byte `json:"iv"`
	AuthTag   []byte `json:"authTag"`
	Encrypted []byte `json:"encrypted"`
}

// BidLedgerAction enumerates the audit actions a BidLedgerEntry can record.
type BidLedgerAction string

const (
	LedgerActionPlaced    BidLedgerAction = "placed"
	LedgerActionCountered BidLedgerAction = "countered"
	LedgerActionCancelled BidLedgerAction = "cancelled"
	LedgerActionWon       BidLedgerAction = "won"
)

// BidLedgerEntry is one durable, append-only audit row (§3.1, §4.13).
type BidLedgerEntry struct {
	CollectionSymbol string
	TokenID          string // empty for COLLECTION-mode entries
	PriceSats        int64
	PaymentAddress   string
	Action           BidLedgerAction
	PacerBypassed    bool
	CreatedAtMs      int64
}
