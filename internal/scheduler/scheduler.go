// Package scheduler implements the per-collection scheduled bidding cycle
// (C8): reserve-first pipeline, wallet-exhaustion short-circuit, and a
// recent-bids cooldown that prevents immediately re-bidding a token it just
// bid on.
package scheduler

import (
	"context"
	"fmt"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/NFTToolz/ordinals-bid-bot/internal/bidstore"
	"github.com/NFTToolz/ordinals-bid-bot/internal/locks"
	"github.com/NFTToolz/ordinals-bid-bot/internal/metrics"
	"github.com/NFTToolz/ordinals-bid-bot/internal/pacer"
	"github.com/NFTToolz/ordinals-bid-bot/internal/pricing"
	"github.com/NFTToolz/ordinals-bid-bot/internal/walletpool"
	"go.uber.org/zap"
)

// Ledger is the subset of C13 the scheduler needs. A nil Ledger (the
// default) disables ledger writes.
type Ledger interface {
	Record(entry bidbot.BidLedgerEntry) error
}

// collectionOfferToken is the synthetic key BidHistoryStore uses for a
// COLLECTION-mode bid, which has no per-token identity.
const collectionOfferToken = "__collection_offer__"

// recentBidCooldown mirrors §4.8: skip a token we just bid on this recently,
// across cycles.
const recentBidCooldown = 30 * time.Second

// maxRecentBids bounds the size of the recent-bids map (§4.8).
const maxRecentBids = 1000

// MarketplaceClient is the subset of C11 the scheduler needs. Implemented
// concretely by pkg/marketplace; a fake satisfies it in tests.
type MarketplaceClient interface {
	CheapestListings(ctx context.Context, collectionSymbol string, limit int) ([]bidbot.Listing, error)
	FloorPrice(ctx context.Context, collectionSymbol string) (int64, error)
	PlaceItemBid(ctx context.Context, tokenID string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (offerID string, err error)
	PlaceCollectionBid(ctx context.Context, collectionSymbol string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (offerID string, err error)
}

// WalletSelector is the subset of C2 the scheduler needs.
type WalletSelector interface {
	AcquireAsync() *walletpool.Wallet
	DecrementBidCount(paymentAddress string)
}

// quantityCapReached reports whether cfg.Quantity (when positive) has already
// been met by the collection's recorded bid count, per §4.4's "bounded-retry
// serialized per-collection increment" — Quantity is interpreted as a cap on
// concurrently-placed bids for the collection, incremented by QuantityLock
// every time either the scheduler or the counter-bid handler places a bid so
// the two components never race on the same counter (Open Question decision,
// see DESIGN.md).
func quantityCapReached(cfg bidbot.CollectionConfig, store *bidstore.Store) bool {
	return cfg.Quantity > 0 && store.Quantity(cfg.Symbol) >= cfg.Quantity
}

// Scheduler runs the scheduled bidding cycle for exactly one collection.
// Because each Scheduler owns a single goroutine running one cycle at a
// time, "at most one active cycle per collection" (§4.8) holds structurally
// — there is no separate scheduledRunning flag to manage. Different
// collections run as independent Scheduler instances and are therefore
// independent goroutines, one per collection.
type Scheduler struct {
	cfg      bidbot.CollectionConfig
	pacer    *pacer.Pacer
	wallets  WalletSelector
	tokens   *locks.TokenLock
	store    *bidstore.Store
	client   MarketplaceClient
	quantity *locks.QuantityLock
	recent   map[string]time.Time
	recentQ  []string // insertion order, for size-cap eviction
	metrics  *metrics.Registry
	ledger   Ledger
	log      *zap.SugaredLogger
}

// SetTelemetry wires C15's metrics registry and C13's bid ledger into the
// scheduler's success/failure paths. Both are optional; a nil registry or
// ledger simply disables that half of the instrumentation.
func (s *Scheduler) SetTelemetry(reg *metrics.Registry, ledger Ledger) {
	s.metrics = reg
	s.ledger = ledger
}

func (s *Scheduler) writeLedger(entry bidbot.BidLedgerEntry) {
	if err := s.ledger.Record(entry); err != nil {
		s.log.Warnw("bid ledger record failed", "error", err)
	}
}

// New constructs a Scheduler for a single collection. quantity may be shared
// with a CounterBidHandler for the same collection so both components
// serialize through the same counter.
func New(cfg bidbot.CollectionConfig, p *pacer.Pacer, wallets WalletSelector, tokens *locks.TokenLock, store *bidstore.Store, client MarketplaceClient, quantity *locks.QuantityLock, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if quantity == nil {
		quantity = locks.NewQuantityLock(log)
	}
	return &Scheduler{
		cfg:      cfg,
		pacer:    p,
		wallets:  wallets,
		tokens:   tokens,
		store:    store,
		client:   client,
		quantity: quantity,
		recent:   make(map[string]time.Time),
		log:      log.With("component", "scheduler", "collection", cfg.Symbol),
	}
}

// Run loops forever, running one cycle every cfg.ScheduledLoopSeconds, until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.ScheduledLoopSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		if err := s.Cycle(ctx); err != nil {
			s.log.Warnw("scheduled cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// Cycle runs exactly one pass of the scheduled bidding pipeline (§4.8).
func (s *Scheduler) Cycle(ctx context.Context) error {
	s.store.Init(s.cfg.Symbol, s.cfg.OfferType)

	floorPrice, err := s.client.FloorPrice(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("scheduler %s: floor price: %w", s.cfg.Symbol, err)
	}
	bounds := pricing.Compute(s.cfg, floorPrice)

	if s.cfg.OfferType == bidbot.OfferTypeCollection {
		return s.collectionCycle(ctx, bounds, floorPrice)
	}
	return s.itemCycle(ctx, bounds, floorPrice)
}

func (s *Scheduler) itemCycle(ctx context.Context, bounds pricing.Bounds, floorPrice int64) error {
	if quantityCapReached(s.cfg, s.store) {
		return nil
	}

	target := s.cfg.BidCount
	if target <= 0 {
		target = 1
	}

	listings, err := s.client.CheapestListings(ctx, s.cfg.Symbol, target*3)
	if err != nil {
		return fmt.Errorf("scheduler %s: cheapest listings: %w", s.cfg.Symbol, err)
	}
	s.store.SetBottomListings(s.cfg.Symbol, listings)

	walletExhausted := false
	successes := 0

	for _, listing := range listings {
		if successes >= target {
			break
		}
		if walletExhausted {
			continue
		}
		if s.isRecentlyBid(listing.TokenID) {
			continue
		}

		slotID, err := s.pacer.ReserveSlot(ctx)
		if err != nil {
			return fmt.Errorf("scheduler %s: reserve slot: %w", s.cfg.Symbol, err)
		}
		slotConsumed := false

		s.tokens.Acquire(listing.TokenID)

		func() {
			defer s.tokens.Release(listing.TokenID)
			defer func() {
				if !slotConsumed {
					s.pacer.ReleaseSlot(slotID)
				}
			}()

			bidPrice := bounds.MaxOffer
			if err := pricing.ValidateBid(s.cfg, bounds, bidPrice, floorPrice); err != nil {
				if s.metrics != nil {
					s.metrics.BidsSkipped.WithLabelValues("safety_gate").Inc()
				}
				s.log.Debugw("bid rejected by safety gate", "tokenId", listing.TokenID, "error", err)
				return
			}

			wallet := s.wallets.AcquireAsync()
			if wallet == nil {
				walletExhausted = true
				if s.metrics != nil {
					s.metrics.WalletsExhausted.Inc()
				}
				s.log.Debugw("wallet pool exhausted, short-circuiting cycle", "collection", s.cfg.Symbol)
				return
			}

			offerID, err := s.client.PlaceItemBid(ctx, listing.TokenID, bidPrice, wallet, s.cfg.DurationMinutes)
			if err != nil {
				s.wallets.DecrementBidCount(wallet.PaymentAddress)
				s.log.Warnw("place item bid failed", "tokenId", listing.TokenID, "error", err)
				return
			}

			slotConsumed = true
			s.store.SetOurBid(s.cfg.Symbol, listing.TokenID, bidbot.BidRecord{
				Price:          bidPrice,
				ExpirationMs:   time.Now().Add(time.Duration(s.cfg.DurationMinutes) * time.Minute).UnixMilli(),
				PaymentAddress: wallet.PaymentAddress,
				OfferID:        offerID,
			})
			s.markRecentlyBid(listing.TokenID)
			s.quantity.Increment(s.cfg.Symbol, func() int { return s.store.Quantity(s.cfg.Symbol) }, func(n int) { s.store.SetQuantity(s.cfg.Symbol, n) })
			successes++
			if s.metrics != nil {
				s.metrics.BidsPlaced.WithLabelValues(s.cfg.Symbol, string(s.cfg.OfferType)).Inc()
			}
			if s.ledger != nil {
				go s.writeLedger(bidbot.BidLedgerEntry{
					CollectionSymbol: s.cfg.Symbol,
					TokenID:          listing.TokenID,
					PriceSats:        bidPrice,
					PaymentAddress:   wallet.PaymentAddress,
					Action:           bidbot.LedgerActionPlaced,
					CreatedAtMs:      time.Now().UnixMilli(),
				})
			}
		}()
	}
	return nil
}

func (s *Scheduler) collectionCycle(ctx context.Context, bounds pricing.Bounds, floorPrice int64) error {
	if quantityCapReached(s.cfg, s.store) {
		return nil
	}
	if s.isRecentlyBid(collectionOfferToken) {
		return nil
	}

	slotID, err := s.pacer.ReserveSlot(ctx)
	if err != nil {
		return fmt.Errorf("scheduler %s: reserve slot: %w", s.cfg.Symbol, err)
	}
	slotConsumed := false
	defer func() {
		if !slotConsumed {
			s.pacer.ReleaseSlot(slotID)
		}
	}()

	bidPrice := bounds.MaxOffer
	if err := pricing.ValidateBid(s.cfg, bounds, bidPrice, floorPrice); err != nil {
		if s.metrics != nil {
			s.metrics.BidsSkipped.WithLabelValues("safety_gate").Inc()
		}
		return nil
	}

	wallet := s.wallets.AcquireAsync()
	if wallet == nil {
		if s.metrics != nil {
			s.metrics.WalletsExhausted.Inc()
		}
		return nil
	}

	offerID, err := s.client.PlaceCollectionBid(ctx, s.cfg.Symbol, bidPrice, wallet, s.cfg.DurationMinutes)
	if err != nil {
		s.wallets.DecrementBidCount(wallet.PaymentAddress)
		return fmt.Errorf("scheduler %s: place collection bid: %w", s.cfg.Symbol, err)
	}

	slotConsumed = true
	s.store.SetOurBid(s.cfg.Symbol, collectionOfferToken, bidbot.BidRecord{
		Price:          bidPrice,
		ExpirationMs:   time.Now().Add(time.Duration(s.cfg.DurationMinutes) * time.Minute).UnixMilli(),
		PaymentAddress: wallet.PaymentAddress,
		OfferID:        offerID,
	})
	s.markRecentlyBid(collectionOfferToken)
	s.quantity.Increment(s.cfg.Symbol, func() int { return s.store.Quantity(s.cfg.Symbol) }, func(n int) { s.store.SetQuantity(s.cfg.Symbol, n) })
	if s.metrics != nil {
		s.metrics.BidsPlaced.WithLabelValues(s.cfg.Symbol, string(s.cfg.OfferType)).Inc()
	}
	if s.ledger != nil {
		go s.writeLedger(bidbot.BidLedgerEntry{
			CollectionSymbol: s.cfg.Symbol,
			PriceSats:        bidPrice,
			PaymentAddress:   wallet.PaymentAddress,
			Action:           bidbot.LedgerActionPlaced,
			CreatedAtMs:      time.Now().UnixMilli(),
		})
	}
	return nil
}

func (s *Scheduler) isRecentlyBid(tokenID string) bool {
	last, ok := s.recent[tokenID]
	return ok && time.Since(last) < recentBidCooldown
}

func (s *Scheduler) markRecentlyBid(tokenID string) {
	if _, exists := s.recent[tokenID]; !exists {
		s.recentQ = append(s.recentQ, tokenID)
		if len(s.recentQ) > maxRecentBids {
			oldest := s.recentQ[0]
			s.recentQ = s.recentQ[1:]
			delete(s.recent, oldest)
		}
	}
	s.recent[tokenID] = time.Now()
}
