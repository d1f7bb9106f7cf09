package counterbid

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/NFTToolz/ordinals-bid-bot/internal/bidstore"
	"github.com/NFTToolz/ordinals-bid-bot/internal/locks"
	"github.com/NFTToolz/ordinals-bid-bot/internal/walletpool"
	"github.com/NFTToolz/ordinals-bid-bot/pkg/marketplace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	floor        int64
	itemBids     []int64
	collBids     []int64
	failPlacing  bool
	topOffers    []marketplace.Offer
	topOffersErr error
}

func (f *fakeClient) FloorPrice(ctx context.Context, symbol string) (int64, error) {
	return f.floor, nil
}

func (f *fakeClient) TopOffers(ctx context.Context, tokenID string, limit int) ([]marketplace.Offer, error) {
	return f.topOffers, f.topOffersErr
}

func (f *fakeClient) PlaceItemBid(ctx context.Context, tokenID string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (string, error) {
	if f.failPlacing {
		return "", fmt.Errorf("marketplace error")
	}
	f.itemBids = append(f.itemBids, priceSats)
	return "offer-1", nil
}

func (f *fakeClient) PlaceCollectionBid(ctx context.Context, symbol string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (string, error) {
	if f.failPlacing {
		return "", fmt.Errorf("marketplace error")
	}
	f.collBids = append(f.collBids, priceSats)
	return "coll-offer-1", nil
}

func testConfig() bidbot.CollectionConfig {
	return bidbot.CollectionConfig{
		Symbol:               "sym",
		MinBid:               0.0001,
		MaxBid:               0.01,
		MinFloorBid:          10,
		MaxFloorBid:          90,
		DurationMinutes:      60,
		OutBidMargin:         0.00001,
		EnableCounterBidding: true,
		OfferType:            bidbot.OfferTypeItem,
	}
}

func newHandler(t *testing.T, cfg bidbot.CollectionConfig, client MarketplaceClient) (*Handler, *walletpool.Pool, *bidstore.Store) {
	t.Helper()
	wallets := []*walletpool.Wallet{{Label: "w0", PaymentAddress: "addr0"}}
	pool := walletpool.New(wallets, 10, nil)
	tokens := locks.NewTokenLock(nil)
	store := bidstore.New(filepath.Join(t.TempDir(), "bh.json"), time.Hour, nil)
	store.Init(cfg.Symbol, cfg.OfferType)
	h := New([]bidbot.CollectionConfig{cfg}, pool, tokens, store, client, nil, nil)
	return h, pool, store
}

func TestHandle_UnknownCollectionErrors(t *testing.T) {
	h, _, _ := newHandler(t, testConfig(), &fakeClient{floor: 100000})
	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "other"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bidbot.ErrUnknownCollection))
}

func TestHandle_CounterBiddingDisabledIsNoOp(t *testing.T) {
	cfg := testConfig()
	cfg.EnableCounterBidding = false
	client := &fakeClient{floor: 100000}
	h, _, _ := newHandler(t, cfg, client)

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 500})
	require.NoError(t, err)
	assert.Empty(t, client.itemBids)
}

func TestCounterItem_NoExistingBidIsNoOp(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000}
	h, _, _ := newHandler(t, cfg, client)

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 500})
	require.NoError(t, err)
	assert.Empty(t, client.itemBids, "this handler only defends bids we already hold, it never opens new ones")
}

func TestCounterItem_SkipsWhenCompetitorBelowOurBid(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000}
	h, _, store := newHandler(t, cfg, client)
	store.SetOurBid("sym", "t1", bidbot.BidRecord{Price: 900, PaymentAddress: "addr0"})

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 500})
	require.NoError(t, err)
	assert.Empty(t, client.itemBids, "P < Q: the competitor is already behind us")
}

func TestCounterItem_TieAndWeAreTopIsNoOp(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000, topOffers: []marketplace.Offer{{PriceSats: 500, BuyerAddress: "addr0"}}}
	h, _, store := newHandler(t, cfg, client)
	store.SetOurBid("sym", "t1", bidbot.BidRecord{Price: 500, PaymentAddress: "addr0"})

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 500})
	require.NoError(t, err)
	assert.Empty(t, client.itemBids, "P == Q and the book confirms we're already on top")
	assert.True(t, store.IsTop("sym", "t1"))
}

func TestCounterItem_TieLostCountersBookTopPrice(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000, topOffers: []marketplace.Offer{{PriceSats: 600, BuyerAddress: "someone-else"}}}
	h, _, store := newHandler(t, cfg, client)
	store.SetOurBid("sym", "t1", bidbot.BidRecord{Price: 500, PaymentAddress: "addr0"})

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 500})
	require.NoError(t, err)
	require.Len(t, client.itemBids, 1)
	assert.Greater(t, client.itemBids[0], int64(600), "the tie-break lost, so the counter must beat the book's actual top price")
}

func TestCounterItem_CountersAboveCompetitor(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000}
	h, _, store := newHandler(t, cfg, client)
	store.SetOurBid("sym", "t1", bidbot.BidRecord{Price: 500, PaymentAddress: "addr0"})

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 700})
	require.NoError(t, err)
	require.Len(t, client.itemBids, 1)
	assert.Greater(t, client.itemBids[0], int64(700), "P > Q: the counter-bid must beat the competitor's listed price")
	assert.True(t, store.IsTop("sym", "t1"))
}

func TestCounterItem_SkipsTokenInBottomListings(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000}
	h, _, store := newHandler(t, cfg, client)
	store.SetOurBid("sym", "t1", bidbot.BidRecord{Price: 500, PaymentAddress: "addr0"})
	store.SetBottomListings("sym", []bidbot.Listing{{TokenID: "t1", Price: 1000}})

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 700})
	require.NoError(t, err)
	assert.Empty(t, client.itemBids, "the scheduler's own cycle owns fresh bids on a listed token")
}

func TestHandle_OfferCancelledIsNoOp(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000}
	h, _, _ := newHandler(t, cfg, client)

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferCancelled, CollectionSymbol: "sym", TokenID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, client.itemBids)
}

func TestCounterCollection_SkipsWhenNotAboveHighest(t *testing.T) {
	cfg := testConfig()
	cfg.OfferType = bidbot.OfferTypeCollection
	client := &fakeClient{floor: 100000}
	h, _, store := newHandler(t, cfg, client)
	store.SetHighestCollectionOffer("sym", 600)

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindCollOfferCreated, CollectionSymbol: "sym", ListedPrice: 500})
	require.NoError(t, err)
	assert.Empty(t, client.collBids, "our recorded collection offer is already ahead")
}

func TestCounterCollection_CountersWhenAboveHighest(t *testing.T) {
	cfg := testConfig()
	cfg.OfferType = bidbot.OfferTypeCollection
	client := &fakeClient{floor: 100000}
	h, _, store := newHandler(t, cfg, client)
	store.SetHighestCollectionOffer("sym", 400)

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindCollOfferCreated, CollectionSymbol: "sym", ListedPrice: 500})
	require.NoError(t, err)
	require.Len(t, client.collBids, 1)
	assert.Greater(t, client.collBids[0], int64(500))
	assert.Equal(t, client.collBids[0], store.HighestCollectionOffer("sym"))
}

func TestHandle_PurchaseRemovesOurStaleBid(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000}
	h, _, store := newHandler(t, cfg, client)
	store.SetOurBid("sym", "t1", bidbot.BidRecord{Price: 700})

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindBuyingBroadcasted, CollectionSymbol: "sym", TokenID: "t1", NewOwner: "someone-else"})
	require.NoError(t, err)

	bids := store.GetOurBids("sym")
	assert.NotContains(t, bids, "t1")
}

func TestHandle_WalletExhaustionReturnsSentinel(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000}
	wallets := []*walletpool.Wallet{{Label: "w0", PaymentAddress: "addr0"}}
	pool := walletpool.New(wallets, 1, nil)
	pool.AcquireAsync() // saturate the only wallet's single slot
	tokens := locks.NewTokenLock(nil)
	store := bidstore.New(filepath.Join(t.TempDir(), "bh.json"), time.Hour, nil)
	store.Init(cfg.Symbol, cfg.OfferType)
	store.SetOurBid(cfg.Symbol, "t1", bidbot.BidRecord{Price: 400, PaymentAddress: "addr0"})
	h := New([]bidbot.CollectionConfig{cfg}, pool, tokens, store, client, nil, nil)

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 500})
	assert.True(t, errors.Is(err, bidbot.ErrWalletExhausted))
}

func TestHandle_FailedPlacementReleasesWalletSlot(t *testing.T) {
	cfg := testConfig()
	client := &fakeClient{floor: 100000, failPlacing: true}
	h, pool, store := newHandler(t, cfg, client)
	store.SetOurBid(cfg.Symbol, "t1", bidbot.BidRecord{Price: 400, PaymentAddress: "addr0"})

	err := h.Handle(context.Background(), bidbot.Event{Kind: bidbot.KindOfferPlaced, CollectionSymbol: "sym", TokenID: "t1", ListedPrice: 500})
	require.Error(t, err)
	w := pool.Wallets()[0]
	assert.Equal(t, 0, w.BidsInWindow())
}
