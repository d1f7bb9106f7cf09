package pricing

import (
	"testing"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/stretchr/testify/assert"
)

func baseCfg() bidbot.CollectionConfig {
	return bidbot.CollectionConfig{
		Symbol:       "ord-cats",
		MinBid:       0.0001,
		MaxBid:       0.001,
		MinFloorBid:  50,
		MaxFloorBid:  90,
		OutBidMargin: 0.00001,
		OfferType:    bidbot.OfferTypeItem,
	}
}

func TestCompute_PicksMoreRestrictiveBound(t *testing.T) {
	cfg := baseCfg()
	// floor = 200,000 sats -> 50% = 100,000, 90% = 180,000
	b := Compute(cfg, 200_000)
	assert.Equal(t, int64(100_000), b.MinOffer, "minFloorBid should dominate over the lower minBid-in-sats")
	assert.Equal(t, int64(100_000), b.MaxOffer, "maxBid-in-sats (100,000) is lower than 90% of floor (180,000)")
	assert.Equal(t, int64(1_000), b.OutBidAmount)
}

func TestCompute_OutBidAmountFloorsAtOneSat(t *testing.T) {
	cfg := baseCfg()
	cfg.OutBidMargin = 0
	b := Compute(cfg, 100_000)
	assert.Equal(t, int64(1), b.OutBidAmount, "outbid amount must never be zero, or a counter-bid would tie instead of beat")
}

func TestValidateConfig_RejectsOver100WithoutTraits(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxFloorBid = 150
	cfg.Traits = nil
	assert.ErrorIs(t, ValidateConfig(cfg), bidbot.ErrSafetyGateRejected)
}

func TestValidateConfig_AllowsOver100WithTraits(t *testing.T) {
	cfg := baseCfg()
	cfg.MaxFloorBid = 150
	cfg.Traits = []string{"rare-hat"}
	assert.NoError(t, ValidateConfig(cfg))
}

func TestValidateBid_RejectsNonPositive(t *testing.T) {
	cfg := baseCfg()
	b := Compute(cfg, 200_000)
	assert.ErrorIs(t, ValidateBid(cfg, b, 0, 200_000), bidbot.ErrSafetyGateRejected)
	assert.ErrorIs(t, ValidateBid(cfg, b, -5, 200_000), bidbot.ErrSafetyGateRejected)
}

func TestValidateBid_RejectsAboveMax(t *testing.T) {
	cfg := baseCfg()
	b := Compute(cfg, 200_000)
	assert.ErrorIs(t, ValidateBid(cfg, b, b.MaxOffer+1, 200_000), bidbot.ErrSafetyGateRejected)
	assert.NoError(t, ValidateBid(cfg, b, b.MaxOffer, 200_000))
}

func TestValidateBid_CollectionModeMustStayBelowFloor(t *testing.T) {
	cfg := baseCfg()
	cfg.OfferType = bidbot.OfferTypeCollection
	cfg.MaxBid = 1        // don't let BTC cap interfere
	cfg.MaxFloorBid = 100 // nor the floor-percentage cap: MaxOffer equals the floor
	b := Compute(cfg, 200_000)
	assert.ErrorIs(t, ValidateBid(cfg, b, 200_000, 200_000), bidbot.ErrSafetyGateRejected, "collection offer must not reach the floor")
	assert.NoError(t, ValidateBid(cfg, b, 199_999, 200_000))
}

func TestOutbidPrice(t *testing.T) {
	cfg := baseCfg()
	b := Compute(cfg, 200_000)

	price, ok := OutbidPrice(b, 50_000)
	assert.True(t, ok)
	// 50,000 + 1,000 = 51,000 is below MinOffer (100,000), so it is raised.
	assert.Equal(t, int64(100_000), price)

	_, ok = OutbidPrice(b, b.MaxOffer)
	assert.False(t, ok, "outbidding at the ceiling must not be possible")
}

func TestOutbidPrice_ClampsToMinOffer(t *testing.T) {
	cfg := baseCfg()
	b := Compute(cfg, 200_000)
	price, ok := OutbidPrice(b, 1)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, price, b.MinOffer)
}
