// Package counterbid implements the event-driven outbidding handler (C9):
// reacting to marketplace activity dispatched by the EventManager, bypassing
// the pacer, and keeping our bid at the front of the book.
package counterbid

import (
	"context"
	"fmt"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/NFTToolz/ordinals-bid-bot/internal/bidstore"
	"github.com/NFTToolz/ordinals-bid-bot/internal/locks"
	"github.com/NFTToolz/ordinals-bid-bot/internal/metrics"
	"github.com/NFTToolz/ordinals-bid-bot/internal/pricing"
	"github.com/NFTToolz/ordinals-bid-bot/internal/walletpool"
	"github.com/NFTToolz/ordinals-bid-bot/pkg/marketplace"
	"go.uber.org/zap"
)

// collectionOfferToken is the synthetic key BidHistoryStore uses for a
// COLLECTION-mode bid, which has no per-token identity. Mirrors the scheduler's
// own constant of the same name.
const collectionOfferToken = "__collection_offer__"

// topOffersLimit is how many of a token's current offers TopOffers fetches
// for the P==Q tie-break; we only ever need the single highest.
const topOffersLimit = 1

// MarketplaceClient is the subset of C11 the handler needs.
type MarketplaceClient interface {
	FloorPrice(ctx context.Context, collectionSymbol string) (int64, error)
	TopOffers(ctx context.Context, tokenID string, limit int) ([]marketplace.Offer, error)
	PlaceItemBid(ctx context.Context, tokenID string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (offerID string, err error)
	PlaceCollectionBid(ctx context.Context, collectionSymbol string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (offerID string, err error)
}

// WalletSelector is the subset of C2 the handler needs.
type WalletSelector interface {
	AcquireAsync() *walletpool.Wallet
	DecrementBidCount(paymentAddress string)
}

// Ledger is the subset of C13 the handler needs. A nil Ledger (the default)
// disables ledger writes.
type Ledger interface {
	Record(entry bidbot.BidLedgerEntry) error
}

// Handler reacts to dispatched events for collections that opted into
// EnableCounterBidding (§4.9). A Handler serves every collection it was
// constructed with; Handle looks up the matching CollectionConfig by symbol.
type Handler struct {
	configs  map[string]bidbot.CollectionConfig
	wallets  WalletSelector
	tokens   *locks.TokenLock
	store    *bidstore.Store
	client   MarketplaceClient
	quantity *locks.QuantityLock
	metrics  *metrics.Registry
	ledger   Ledger
	log      *zap.SugaredLogger
}

// New constructs a Handler. quantity may be shared with a Scheduler for the
// same collections so both components serialize through the same counter.
func New(configs []bidbot.CollectionConfig, wallets WalletSelector, tokens *locks.TokenLock, store *bidstore.Store, client MarketplaceClient, quantity *locks.QuantityLock, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if quantity == nil {
		quantity = locks.NewQuantityLock(log)
	}
	cfgMap := make(map[string]bidbot.CollectionConfig, len(configs))
	for _, c := range configs {
		cfgMap[c.Symbol] = c
	}
	return &Handler{
		configs:  cfgMap,
		wallets:  wallets,
		tokens:   tokens,
		store:    store,
		client:   client,
		quantity: quantity,
		log:      log.With("component", "counterbid"),
	}
}

// SetTelemetry wires C15's metrics registry and C13's bid ledger into the
// handler's success/failure paths. Both are optional; a nil registry or
// ledger simply disables that half of the instrumentation.
func (h *Handler) SetTelemetry(reg *metrics.Registry, ledger Ledger) {
	h.metrics = reg
	h.ledger = ledger
}

// Handle dispatches a single event to the matching sub-handler (§4.9). It
// never blocks on the pacer: counter-bid work always bypasses rate limiting
// because it reacts to a competitor's action already in flight.
func (h *Handler) Handle(ctx context.Context, ev bidbot.Event) error {
	cfg, ok := h.configs[ev.CollectionSymbol]
	if !ok {
		return fmt.Errorf("counterbid: %w: %s", bidbot.ErrUnknownCollection, ev.CollectionSymbol)
	}
	if !cfg.EnableCounterBidding {
		return nil
	}

	switch ev.Kind {
	case bidbot.KindOfferPlaced:
		return h.counterItem(ctx, cfg, ev)
	case bidbot.KindCollOfferCreated, bidbot.KindCollOfferEdited:
		return h.counterCollection(ctx, cfg, ev)
	case bidbot.KindOfferCancelled, bidbot.KindCollOfferCancelled:
		// A competitor withdrew; nothing to counter. Our own bid, if any,
		// simply becomes top again on the marketplace's own book.
		return nil
	case bidbot.KindBuyingBroadcasted, bidbot.KindOfferAcceptedBroadcasted, bidbot.KindCollOfferFulfillBroadcast:
		return h.handlePurchase(cfg, ev)
	default:
		return nil
	}
}

// counterItem reacts to a competitor placing an offer on a token we already
// hold an active bid on (§4.9). Q is our existing bid's price, P is the
// competitor's just-placed price:
//
//   - no bid of ours on this token at all: no-op, this handler only defends
//     positions the scheduler (or a prior counter) already opened.
//   - tokenID currently sits in the scheduler's cheapest-listings snapshot:
//     no-op here too, the scheduler's own cycle owns fresh bids on it and
//     will place one directly, avoiding a race between the two components.
//   - P < Q: the competitor is already behind us, nothing to do.
//   - P == Q: ask the book directly via TopOffers to break the tie, since
//     equal price does not tell us who is actually on top.
//   - P > Q: counter against the event's own price P; the book is not
//     queried in this case, so offers that landed ahead of ev are not seen.
func (h *Handler) counterItem(ctx context.Context, cfg bidbot.CollectionConfig, ev bidbot.Event) error {
	ourBid, hasBid := h.store.GetOurBid(cfg.Symbol, ev.TokenID)
	if !hasBid {
		return nil
	}
	for _, listing := range h.store.BottomListings(cfg.Symbol) {
		if listing.TokenID == ev.TokenID {
			return nil
		}
	}

	topPrice := ev.ListedPrice
	switch {
	case ev.ListedPrice < ourBid.Price:
		return nil
	case ev.ListedPrice == ourBid.Price:
		top, err := h.client.TopOffers(ctx, ev.TokenID, topOffersLimit)
		if err != nil {
			return fmt.Errorf("counterbid %s: top offers: %w", cfg.Symbol, err)
		}
		if len(top) == 0 || top[0].BuyerAddress == ourBid.PaymentAddress {
			h.store.MarkTop(cfg.Symbol, ev.TokenID)
			return nil
		}
		topPrice = top[0].PriceSats
	}

	floorPrice, err := h.client.FloorPrice(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("counterbid %s: floor price: %w", cfg.Symbol, err)
	}
	bounds := pricing.Compute(cfg, floorPrice)

	price, ok := pricing.OutbidPrice(bounds, topPrice)
	if !ok {
		h.recordSkip("max_offer_exceeded")
		h.log.Debugw("cannot outbid within max offer", "tokenId", ev.TokenID, "competitor", topPrice)
		return nil
	}
	if err := pricing.ValidateBid(cfg, bounds, price, floorPrice); err != nil {
		h.recordSkip("safety_gate")
		return nil
	}

	h.tokens.Acquire(ev.TokenID)
	defer h.tokens.Release(ev.TokenID)

	wallet := h.wallets.AcquireAsync()
	if wallet == nil {
		if h.metrics != nil {
			h.metrics.WalletsExhausted.Inc()
		}
		return bidbot.ErrWalletExhausted
	}

	offerID, err := h.client.PlaceItemBid(ctx, ev.TokenID, price, wallet, cfg.DurationMinutes)
	if err != nil {
		h.wallets.DecrementBidCount(wallet.PaymentAddress)
		return fmt.Errorf("counterbid %s: place item bid: %w", cfg.Symbol, err)
	}

	h.store.SetOurBid(cfg.Symbol, ev.TokenID, bidbot.BidRecord{
		Price:          price,
		PaymentAddress: wallet.PaymentAddress,
		OfferID:        offerID,
	})
	h.store.MarkTop(cfg.Symbol, ev.TokenID)
	h.quantity.Increment(cfg.Symbol, func() int { return h.store.Quantity(cfg.Symbol) }, func(n int) { h.store.SetQuantity(cfg.Symbol, n) })
	h.recordPlaced(cfg.Symbol, ev.TokenID, price, wallet.PaymentAddress, offerID)
	return nil
}

// counterCollection reacts to a new or edited collection-wide offer (§4.9),
// gating on our own highestCollectionOffer rather than unconditionally
// countering: an incoming offer that still trails what we already have on
// the book needs no response.
func (h *Handler) counterCollection(ctx context.Context, cfg bidbot.CollectionConfig, ev bidbot.Event) error {
	if ev.ListedPrice <= h.store.HighestCollectionOffer(cfg.Symbol) {
		return nil
	}

	floorPrice, err := h.client.FloorPrice(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("counterbid %s: floor price: %w", cfg.Symbol, err)
	}
	bounds := pricing.Compute(cfg, floorPrice)

	price, ok := pricing.OutbidPrice(bounds, ev.ListedPrice)
	if !ok {
		h.recordSkip("max_offer_exceeded")
		return nil
	}
	if err := pricing.ValidateBid(cfg, bounds, price, floorPrice); err != nil {
		h.recordSkip("safety_gate")
		return nil
	}

	wallet := h.wallets.AcquireAsync()
	if wallet == nil {
		if h.metrics != nil {
			h.metrics.WalletsExhausted.Inc()
		}
		return bidbot.ErrWalletExhausted
	}

	offerID, err := h.client.PlaceCollectionBid(ctx, cfg.Symbol, price, wallet, cfg.DurationMinutes)
	if err != nil {
		h.wallets.DecrementBidCount(wallet.PaymentAddress)
		return fmt.Errorf("counterbid %s: place collection bid: %w", cfg.Symbol, err)
	}

	h.store.SetOurBid(cfg.Symbol, collectionOfferToken, bidbot.BidRecord{
		Price:          price,
		PaymentAddress: wallet.PaymentAddress,
		OfferID:        offerID,
	})
	h.store.SetHighestCollectionOffer(cfg.Symbol, price)
	h.quantity.Increment(cfg.Symbol, func() int { return h.store.Quantity(cfg.Symbol) }, func(n int) { h.store.SetQuantity(cfg.Symbol, n) })
	h.recordPlaced(cfg.Symbol, "", price, wallet.PaymentAddress, offerID)
	return nil
}

// handlePurchase reacts to a competitor winning a token (own-wallet purchases
// never reach here; the EventManager's own-wallet filter drops those before
// they are dispatched). The token is gone, so any bid we still have recorded
// against it is now stale and is removed.
func (h *Handler) handlePurchase(cfg bidbot.CollectionConfig, ev bidbot.Event) error {
	if ev.TokenID == "" {
		return nil
	}
	rec, hadBid := h.store.GetOurBid(cfg.Symbol, ev.TokenID)
	h.store.RemoveOurBid(cfg.Symbol, ev.TokenID)
	if !hadBid {
		return nil
	}
	if h.metrics != nil {
		h.metrics.BidsCancelled.WithLabelValues(cfg.Symbol).Inc()
	}
	if h.ledger != nil {
		entry := bidbot.BidLedgerEntry{
			CollectionSymbol: cfg.Symbol,
			TokenID:          ev.TokenID,
			PriceSats:        rec.Price,
			PaymentAddress:   rec.PaymentAddress,
			Action:           bidbot.LedgerActionCancelled,
			PacerBypassed:    true,
			CreatedAtMs:      ev.CreatedAtMs,
		}
		go h.writeLedger(entry)
	}
	return nil
}

// recordPlaced increments C15's counter-bid counter and, if a ledger is
// wired, records the placement fire-and-forget (§4.13): a failed write never
// blocks or fails the bid that already succeeded on the marketplace.
func (h *Handler) recordPlaced(symbol, tokenID string, priceSats int64, paymentAddress, offerID string) {
	if h.metrics != nil {
		h.metrics.BidsCountered.WithLabelValues(symbol).Inc()
	}
	if h.ledger == nil {
		return
	}
	entry := bidbot.BidLedgerEntry{
		CollectionSymbol: symbol,
		TokenID:          tokenID,
		PriceSats:        priceSats,
		PaymentAddress:   paymentAddress,
		Action:           bidbot.LedgerActionCountered,
		PacerBypassed:    true,
		CreatedAtMs:      time.Now().UnixMilli(),
	}
	go h.writeLedger(entry)
}

func (h *Handler) recordSkip(reason string) {
	if h.metrics != nil {
		h.metrics.BidsSkipped.WithLabelValues(reason).Inc()
	}
}

func (h *Handler) writeLedger(entry bidbot.BidLedgerEntry) {
	if err := h.ledger.Record(entry); err != nil {
		h.log.Warnw("bid ledger record failed", "collection", entry.CollectionSymbol, "error", err)
	}
}
