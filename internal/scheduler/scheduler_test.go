package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/NFTToolz/ordinals-bid-bot/internal/bidstore"
	"github.com/NFTToolz/ordinals-bid-bot/internal/locks"
	"github.com/NFTToolz/ordinals-bid-bot/internal/pacer"
	"github.com/NFTToolz/ordinals-bid-bot/internal/walletpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	listings      []bidbot.Listing
	floor         int64
	itemCalls     int32
	collCalls     int32
	failItemBids  bool
	placedTokens  []string
}

func (f *fakeClient) CheapestListings(ctx context.Context, symbol string, limit int) ([]bidbot.Listing, error) {
	return f.listings, nil
}

func (f *fakeClient) FloorPrice(ctx context.Context, symbol string) (int64, error) {
	return f.floor, nil
}

func (f *fakeClient) PlaceItemBid(ctx context.Context, tokenID string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (string, error) {
	atomic.AddInt32(&f.itemCalls, 1)
	if f.failItemBids {
		return "", fmt.Errorf("marketplace rejected bid")
	}
	f.placedTokens = append(f.placedTokens, tokenID)
	return "offer-" + tokenID, nil
}

func (f *fakeClient) PlaceCollectionBid(ctx context.Context, symbol string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (string, error) {
	atomic.AddInt32(&f.collCalls, 1)
	return "coll-offer", nil
}

func testConfig(offerType bidbot.OfferType) bidbot.CollectionConfig {
	return bidbot.CollectionConfig{
		Symbol:               "sym",
		MinBid:               0.0001,
		MaxBid:               0.01,
		MinFloorBid:          10,
		MaxFloorBid:          90,
		BidCount:             2,
		DurationMinutes:      60,
		ScheduledLoopSeconds: 30,
		OfferType:            offerType,
	}
}

func newHarness(t *testing.T, cfg bidbot.CollectionConfig, client MarketplaceClient, wallets int) (*Scheduler, *walletpool.Pool) {
	t.Helper()
	p := pacer.New(100, nil)
	ws := make([]*walletpool.Wallet, wallets)
	for i := range ws {
		ws[i] = &walletpool.Wallet{Label: fmt.Sprintf("w%d", i), PaymentAddress: fmt.Sprintf("addr%d", i)}
	}
	pool := walletpool.New(ws, 10, nil)
	tokens := locks.NewTokenLock(nil)
	store := bidstore.New(filepath.Join(t.TempDir(), "bh.json"), time.Hour, nil)
	s := New(cfg, p, pool, tokens, store, client, nil, nil)
	return s, pool
}

func TestItemCycle_PlacesBidsUpToTarget(t *testing.T) {
	cfg := testConfig(bidbot.OfferTypeItem)
	client := &fakeClient{
		listings: []bidbot.Listing{{TokenID: "t1", Price: 1000}, {TokenID: "t2", Price: 1100}, {TokenID: "t3", Price: 1200}},
		floor:    1000,
	}
	s, _ := newHarness(t, cfg, client, 5)

	require.NoError(t, s.Cycle(context.Background()))

	assert.Len(t, client.placedTokens, 2, "must stop once BidCount successes are reached")
	bids := s.store.GetOurBids("sym")
	assert.Len(t, bids, 2)
}

func TestItemCycle_WalletExhaustionShortCircuits(t *testing.T) {
	cfg := testConfig(bidbot.OfferTypeItem)
	cfg.BidCount = 5
	client := &fakeClient{
		listings: []bidbot.Listing{{TokenID: "t1"}, {TokenID: "t2"}, {TokenID: "t3"}},
		floor:    1000,
	}
	// Only one wallet with a cap of 1 bid: the second listing must short-circuit.
	s, pool := newHarness(t, cfg, client, 1)
	_ = pool
	s.wallets = &cappedPool{inner: pool, cap: 1}

	require.NoError(t, s.Cycle(context.Background()))
	assert.Len(t, client.placedTokens, 1, "wallet exhaustion must stop further bidding this cycle")
}

// cappedPool wraps a real Pool but only allows a fixed number of successful
// acquisitions, to simulate saturating every wallet after N bids without
// needing to fabricate the walletpool's internal bidsPerMinute bookkeeping.
type cappedPool struct {
	inner *walletpool.Pool
	cap   int
	used  int
}

func (c *cappedPool) AcquireAsync() *walletpool.Wallet {
	if c.used >= c.cap {
		return nil
	}
	w := c.inner.AcquireAsync()
	if w != nil {
		c.used++
	}
	return w
}

func (c *cappedPool) DecrementBidCount(addr string) {
	c.inner.DecrementBidCount(addr)
}

func TestItemCycle_RecentlyBidTokenIsSkipped(t *testing.T) {
	cfg := testConfig(bidbot.OfferTypeItem)
	cfg.BidCount = 1
	client := &fakeClient{
		listings: []bidbot.Listing{{TokenID: "t1"}, {TokenID: "t2"}},
		floor:    1000,
	}
	s, _ := newHarness(t, cfg, client, 5)
	s.markRecentlyBid("t1")

	require.NoError(t, s.Cycle(context.Background()))
	assert.Equal(t, []string{"t2"}, client.placedTokens, "a token bid on within the cooldown must be skipped")
}

func TestItemCycle_FailedBidReleasesWalletSlot(t *testing.T) {
	cfg := testConfig(bidbot.OfferTypeItem)
	cfg.BidCount = 1
	client := &fakeClient{
		listings:     []bidbot.Listing{{TokenID: "t1"}},
		floor:        1000,
		failItemBids: true,
	}
	s, pool := newHarness(t, cfg, client, 1)

	require.NoError(t, s.Cycle(context.Background()))
	assert.Empty(t, s.store.GetOurBids("sym"))
	w := pool.Wallets()[0]
	assert.Equal(t, 0, w.BidsInWindow(), "a failed bid must release its pre-incremented wallet slot")
}

func TestCollectionCycle_PlacesSingleBidBelowFloor(t *testing.T) {
	cfg := testConfig(bidbot.OfferTypeCollection)
	client := &fakeClient{floor: 10000}
	s, _ := newHarness(t, cfg, client, 3)

	require.NoError(t, s.Cycle(context.Background()))
	assert.Equal(t, int32(1), client.collCalls)

	bids := s.store.GetOurBids("sym")
	require.Contains(t, bids, collectionOfferToken)
}

func TestCollectionCycle_RespectsRecentBidCooldown(t *testing.T) {
	cfg := testConfig(bidbot.OfferTypeCollection)
	client := &fakeClient{floor: 10000}
	s, _ := newHarness(t, cfg, client, 3)
	s.markRecentlyBid(collectionOfferToken)

	require.NoError(t, s.Cycle(context.Background()))
	assert.Equal(t, int32(0), client.collCalls)
}
