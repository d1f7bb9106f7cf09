// Package pricing implements the min/max offer math and safety gates (C6).
package pricing

import (
	"fmt"
	"math"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
)

// SatsPerBTC is the fixed conversion factor; bitcoin amounts in
// CollectionConfig are always exact decimal BTC values, so this conversion
// never loses precision for any value a human would configure.
const SatsPerBTC = 1e8

// Bounds holds the computed min/max offer and outbid amount for one
// collection, all in sats (§4.6).
type Bounds struct {
	MinOffer     int64
	MaxOffer     int64
	OutBidAmount int64
}

// Compute derives Bounds from a collection's configuration and the
// marketplace's current floor price (sats).
func Compute(cfg bidbot.CollectionConfig, floorPriceSats int64) Bounds {
	minFromBTC := round(cfg.MinBid * SatsPerBTC)
	minFromFloor := round(cfg.MinFloorBid * float64(floorPriceSats) / 100)
	maxFromBTC := round(cfg.MaxBid * SatsPerBTC)
	maxFromFloor := round(cfg.MaxFloorBid * float64(floorPriceSats) / 100)

	outBid := round(cfg.OutBidMargin * SatsPerBTC)
	if outBid < 1 {
		outBid = 1
	}

	return Bounds{
		MinOffer:     maxInt64(minFromBTC, minFromFloor),
		MaxOffer:     minInt64(maxFromBTC, maxFromFloor),
		OutBidAmount: outBid,
	}
}

func round(v float64) int64 {
	return int64(math.Round(v))
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ValidateConfig applies the floor-cap safety gate that rejects a
// configuration outright (§4.6): ITEM/COLLECTION offer types with no
// configured traits must not allow bidding above 100% of floor.
func ValidateConfig(cfg bidbot.CollectionConfig) error {
	if len(cfg.Traits) == 0 && cfg.MaxFloorBid > 100 {
		return fmt.Errorf("%w: collection %s has no traits but maxFloorBid=%v > 100", bidbot.ErrSafetyGateRejected, cfg.Symbol, cfg.MaxFloorBid)
	}
	return nil
}

// ValidateBid applies the per-bid safety gates (§4.6). floorPriceSats is
// only consulted in COLLECTION mode.
func ValidateBid(cfg bidbot.CollectionConfig, bounds Bounds, bidPriceSats, floorPriceSats int64) error {
	if bidPriceSats <= 0 {
		return fmt.Errorf("%w: bid price %d is not positive", bidbot.ErrSafetyGateRejected, bidPriceSats)
	}
	if bidPriceSats > bounds.MaxOffer {
		return fmt.Errorf("%w: bid price %d exceeds max offer %d", bidbot.ErrSafetyGateRejected, bidPriceSats, bounds.MaxOffer)
	}
	if cfg.OfferType == bidbot.OfferTypeCollection && bidPriceSats >= floorPriceSats {
		return fmt.Errorf("%w: collection offer %d must stay strictly below floor %d", bidbot.ErrSafetyGateRejected, bidPriceSats, floorPriceSats)
	}
	return nil
}

// OutbidPrice returns the price needed to beat competitorPrice by the
// configured outbid margin, raised to bounds.MinOffer when it falls below
// it. ok is false when competitorPrice plus the margin exceeds
// bounds.MaxOffer; the price is never clamped down to the max offer.
func OutbidPrice(bounds Bounds, competitorPrice int64) (price int64, ok bool) {
	candidate := competitorPrice + bounds.OutBidAmount
	if candidate > bounds.MaxOffer {
		return 0, false
	}
	if candidate < bounds.MinOffer {
		candidate = bounds.MinOffer
	}
	return candidate, true
}
