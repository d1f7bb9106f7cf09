package main

import (
	"context"
	"fmt"
	"time"

	"github.com/NFTToolz/ordinals-bid-bot/internal/walletpool"
	"github.com/NFTToolz/ordinals-bid-bot/pkg/marketplace"
	resty "github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// shutdownTimeout bounds how long Close waits for the status server and bid
// ledger to drain before the process exits anyway.
const shutdownTimeout = 10 * time.Second

const signerTimeout = 15 * time.Second

type signRequest struct {
	PSBTBase64      string `json:"psbt"`
	OfferID         string `json:"offerId"`
	PaymentAddress  string `json:"paymentAddress"`
	SignInputIndexes []int `json:"signInputIndexes"`
}

type signResponse struct {
	SignedPSBT string `json:"signedPsbt"`
}

// newHTTPSigner builds a marketplace.Signer that delegates PSBT signing to
// an external service over HTTP (§4.12: signing is explicitly
// out of this module's scope). Mirrors pkg/marketplace's own go-resty usage.
func newHTTPSigner(baseURL, apiKey string, log *zap.SugaredLogger) marketplace.Signer {
	http := resty.New().
		SetBaseURL(baseURL).
		SetHeader("X-NFT-API-Key", apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(signerTimeout)

	return func(ctx context.Context, tmpl marketplace.TxTemplate, wallet *walletpool.Wallet, indices []marketplace.SignInputIndex) (string, error) {
		idx := make([]int, len(indices))
		for i, v := range indices {
			idx[i] = int(v)
		}

		var out signResponse
		resp, err := http.R().
			SetContext(ctx).
			SetBody(signRequest{
				PSBTBase64:       tmpl.PSBTBase64,
				OfferID:          tmpl.OfferID,
				PaymentAddress:   wallet.PaymentAddress,
				SignInputIndexes: idx,
			}).
			SetResult(&out).
			Post("/sign")
		if err != nil {
			return "", fmt.Errorf("signer: request: %w", err)
		}
		if resp.IsError() {
			return "", fmt.Errorf("signer: %s: %s", resp.Status(), resp.String())
		}
		log.Debugw("signed offer", "offerId", tmpl.OfferID, "wallet", wallet.PaymentAddress)
		return out.SignedPSBT, nil
	}
}
