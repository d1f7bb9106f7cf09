// Package marketplace implements the HTTP collaborator (C11): offer
// create/submit/cancel, collection offers, top offers, floor price, and
// cheapest listings, all against the ordinals marketplace's REST API (§6).
package marketplace

import (
	"context"
	"fmt"
	"strings"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/NFTToolz/ordinals-bid-bot/internal/walletpool"
	resty "github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 10 * time.Second
	submitRetryAttempts   = 3
	submitRetrySpacing    = 2500 * time.Millisecond
	alreadyHaveOfferError = "You already have an offer for this token"
	oneCollOfferError     = "Only 1 collection offer allowed per collection."
)

// TxTemplate is the opaque unsigned transaction payload the marketplace
// returns for a caller to sign externally (§4.12's stated external
// collaborator: PSBT signing happens outside this package).
type TxTemplate struct {
	PSBTBase64 string `json:"psbt"`
	OfferID    string `json:"offerId"`
}

// SignInputIndex names one input of a TxTemplate the external signer must
// provide a signature for.
type SignInputIndex int

// Offer is one marketplace offer, as returned by TopOffers.
type Offer struct {
	OfferID        string `json:"offerId"`
	TokenID        string `json:"tokenId"`
	PriceSats      int64  `json:"price"`
	BuyerAddress   string `json:"walletAddressBuyer"`
	ExpirationMs   int64  `json:"expirationDate"`
}

// Signer turns a TxTemplate into a signed payload ready for SubmitOffer.
// The concrete signer lives outside this module (§4.12); tests supply a
// pass-through stub.
type Signer func(ctx context.Context, tmpl TxTemplate, wallet *walletpool.Wallet, indices []SignInputIndex) (signed string, err error)

// Client is the concrete C11 MarketplaceClient, backed by go-resty.
type Client struct {
	http         *resty.Client
	limiter      *rate.Limiter
	sign         Signer
	retrySpacing time.Duration
	log          *zap.SugaredLogger
}

// New constructs a Client. readRPS bounds the shared read-endpoint throttle
// (FloorPrice/CheapestListings/TopOffers), independent of C1's local
// bid-placement pacer.
func New(baseURL, apiKey string, readRPS float64, sign Signer, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if sign == nil {
		sign = func(ctx context.Context, tmpl TxTemplate, wallet *walletpool.Wallet, indices []SignInputIndex) (string, error) {
			return tmpl.PSBTBase64, nil
		}
	}
	h := resty.New().
		SetBaseURL(baseURL).
		SetHeader("X-NFT-API-Key", apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(defaultTimeout)

	return &Client{
		http:         h,
		limiter:      rate.NewLimiter(rate.Limit(readRPS), 1),
		sign:         sign,
		retrySpacing: submitRetrySpacing,
		log:          log.With("component", "marketplace"),
	}
}

// CreateOfferTemplate requests an unsigned offer transaction for tokenID.
func (c *Client) CreateOfferTemplate(ctx context.Context, tokenID string, priceSats, expirationMs int64, buyer *walletpool.Wallet, feerateTier string) (TxTemplate, []SignInputIndex, error) {
	var out struct {
		Template TxTemplate        `json:"template"`
		Indices  []SignInputIndex  `json:"signIndices"`
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"tokenId":         tokenID,
			"price":           priceSats,
			"expirationDate":  expirationMs,
			"buyerAddress":    buyer.PaymentAddress,
			"feeRateTier":     feerateTier,
		}).
		SetResult(&out).
		Post("/offers/create")
	if err != nil {
		return TxTemplate{}, nil, fmt.Errorf("marketplace: create offer template: %w", err)
	}
	return out.Template, out.Indices, nil
}

// SubmitOffer submits a signed offer, retrying on the marketplace's
// documented "already have an offer" conflict (§4.11, bounded to
// submitRetryAttempts — independent of any outer scheduler retry, per the
// Open Question decision in DESIGN.md). Each retry waits retrySpacing and
// resubmits the same payload; the prior offer is not cancelled.
func (c *Client) SubmitOffer(ctx context.Context, signed, offerID string) error {
	return c.submitWithConflictRetry(ctx, "/offers/submit", signed, offerID, alreadyHaveOfferError)
}

// CreateCollectionOfferTemplate is CreateOfferTemplate's collection-wide analogue.
func (c *Client) CreateCollectionOfferTemplate(ctx context.Context, collectionSymbol string, priceSats, expirationMs int64, buyer *walletpool.Wallet) (TxTemplate, []SignInputIndex, error) {
	var out struct {
		Template TxTemplate       `json:"template"`
		Indices  []SignInputIndex `json:"signIndices"`
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"collectionSymbol": collectionSymbol,
			"price":            priceSats,
			"expirationDate":   expirationMs,
			"buyerAddress":     buyer.PaymentAddress,
		}).
		SetResult(&out).
		Post("/collection-offers/create")
	if err != nil {
		return TxTemplate{}, nil, fmt.Errorf("marketplace: create collection offer template: %w", err)
	}
	return out.Template, out.Indices, nil
}

// SubmitCollectionOffer is SubmitOffer's collection-wide analogue.
func (c *Client) SubmitCollectionOffer(ctx context.Context, signed, offerID string) error {
	return c.submitWithConflictRetry(ctx, "/collection-offers/submit", signed, offerID, oneCollOfferError)
}

func (c *Client) submitWithConflictRetry(ctx context.Context, path, signed, offerID, conflictError string) error {
	var lastErr error
	for attempt := 0; attempt < submitRetryAttempts; attempt++ {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string]any{"signed": signed, "offerId": offerID}).
			Post(path)
		if err == nil && !resp.IsError() {
			return nil
		}
		lastErr = c.errorFromResponse(err, resp)
		if !strings.Contains(lastErr.Error(), conflictError) {
			return fmt.Errorf("marketplace: submit offer: %w", lastErr)
		}
		c.log.Warnw("offer conflict, retrying after wait", "offerId", offerID, "attempt", attempt)
		select {
		case <-time.After(c.retrySpacing):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("marketplace: submit offer: exhausted %d attempts: %w", submitRetryAttempts, lastErr)
}

// CancelOfferTemplate requests an unsigned cancellation transaction for offerID.
func (c *Client) CancelOfferTemplate(ctx context.Context, offerID string) (TxTemplate, error) {
	var out TxTemplate
	_, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Post("/offers/" + offerID + "/cancel-template")
	if err != nil {
		return TxTemplate{}, fmt.Errorf("marketplace: cancel offer template: %w", err)
	}
	return out, nil
}

// SubmitCancel submits a signed cancellation.
func (c *Client) SubmitCancel(ctx context.Context, signed, offerID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"signed": signed, "offerId": offerID}).
		Post("/offers/" + offerID + "/cancel-submit")
	if err != nil || resp.IsError() {
		return fmt.Errorf("marketplace: submit cancel: %w", c.errorFromResponse(err, resp))
	}
	return nil
}

// TopOffers returns the highest offers on tokenID (status=valid, sortBy=priceDesc).
func (c *Client) TopOffers(ctx context.Context, tokenID string, limit int) ([]Offer, error) {
	var out struct {
		Offers []Offer `json:"offers"`
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"tokenId": tokenID,
			"status":  "valid",
			"sortBy":  "priceDesc",
			"limit":   fmt.Sprint(limit),
		}).
		SetResult(&out).
		Get("/offers")
	if err != nil {
		return nil, fmt.Errorf("marketplace: top offers: %w", err)
	}
	return out.Offers, nil
}

// FloorPrice returns collectionSymbol's current floor price in sats,
// throttled through the shared read-endpoint limiter.
func (c *Client) FloorPrice(ctx context.Context, collectionSymbol string) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	var out struct {
		FloorPrice int64 `json:"floorPrice"`
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/collections/" + collectionSymbol + "/stats")
	if err != nil {
		return 0, fmt.Errorf("marketplace: floor price: %w", err)
	}
	return out.FloorPrice, nil
}

// CheapestListings returns up to limit listings sorted ascending by price
// (sortBy=priceAsc), throttled through the shared read-endpoint limiter.
func (c *Client) CheapestListings(ctx context.Context, collectionSymbol string, limit int) ([]bidbot.Listing, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var out struct {
		Tokens []struct {
			ID    string `json:"id"`
			Price int64  `json:"listedPrice"`
		} `json:"tokens"`
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"collectionSymbol": collectionSymbol,
			"sortBy":           "priceAsc",
			"limit":            fmt.Sprint(limit),
		}).
		SetResult(&out).
		Get("/tokens")
	if err != nil {
		return nil, fmt.Errorf("marketplace: cheapest listings: %w", err)
	}
	listings := make([]bidbot.Listing, 0, len(out.Tokens))
	for _, t := range out.Tokens {
		listings = append(listings, bidbot.Listing{TokenID: t.ID, Price: t.Price})
	}
	return listings, nil
}

// PlaceItemBid is the Scheduler/CounterBidHandler-facing convenience that
// chains CreateOfferTemplate -> sign -> SubmitOffer into a single call.
func (c *Client) PlaceItemBid(ctx context.Context, tokenID string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (string, error) {
	expiration := time.Now().Add(time.Duration(durationMinutes) * time.Minute).UnixMilli()
	tmpl, indices, err := c.CreateOfferTemplate(ctx, tokenID, priceSats, expiration, wallet, "standard")
	if err != nil {
		return "", err
	}
	signed, err := c.sign(ctx, tmpl, wallet, indices)
	if err != nil {
		return "", fmt.Errorf("marketplace: sign offer: %w", err)
	}
	if err := c.SubmitOffer(ctx, signed, tmpl.OfferID); err != nil {
		return "", err
	}
	return tmpl.OfferID, nil
}

// PlaceCollectionBid is PlaceItemBid's collection-wide analogue.
func (c *Client) PlaceCollectionBid(ctx context.Context, collectionSymbol string, priceSats int64, wallet *walletpool.Wallet, durationMinutes int) (string, error) {
	expiration := time.Now().Add(time.Duration(durationMinutes) * time.Minute).UnixMilli()
	tmpl, indices, err := c.CreateCollectionOfferTemplate(ctx, collectionSymbol, priceSats, expiration, wallet)
	if err != nil {
		return "", err
	}
	signed, err := c.sign(ctx, tmpl, wallet, indices)
	if err != nil {
		return "", fmt.Errorf("marketplace: sign collection offer: %w", err)
	}
	if err := c.SubmitCollectionOffer(ctx, signed, tmpl.OfferID); err != nil {
		return "", err
	}
	return tmpl.OfferID, nil
}

func (c *Client) errorFromResponse(err error, resp *resty.Response) error {
	if err != nil {
		return err
	}
	if resp != nil && resp.IsError() {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
