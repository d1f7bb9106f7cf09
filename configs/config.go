// Package configs implements the layered configuration loader (C16):
// config/collections.json + config/wallets.json, overlaid with environment
// variables (optionally loaded from a .env file for local development), and
// validated eagerly at boot.
package configs

import (
	"encoding/json"
	"fmt"
	"os"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig is the process-wide configuration assembled from environment
// variables (§4.16/§6's named list), with documented defaults applied only
// where the spec allows it.
type AppConfig struct {
	FundingWIF            string
	TokenReceiveAddress   string
	APIKey                string
	RateLimit             float64
	DefaultOutbidMargin   float64 // BTC
	DefaultLoopSeconds    int
	BidsPerMinute         int
	EnableWalletRotation  bool
	WalletConfigPath      string
	EnableAddressRotation bool
	AddressPoolSize       int
	AddressPoolSeed       string
	CentralizeReceiveAddr bool
	MarketplaceBaseURL    string
	ActivityStreamURL     string
	StatusAPIAddr         string
	BidLedgerDSN          string
	WalletPassphrase      string
}

// LoadAppConfig reads envFile (if present; missing is not an error) then
// layers process environment variables via viper, matching the pack's
// bot-config convention of godotenv-for-local-dev plus an env-backed loader.
func LoadAppConfig(envFile string) (*AppConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("configs: load env file: %w", err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DEFAULT_OUTBID_MARGIN", 0.0001)
	v.SetDefault("DEFAULT_LOOP", 60)
	v.SetDefault("BIDS_PER_MINUTE", 5)
	v.SetDefault("RATE_LIMIT", 2.0)
	v.SetDefault("MARKETPLACE_BASE_URL", "https://nfttools.pro/magiceden")
	v.SetDefault("ACTIVITY_STREAM_URL", "wss://nfttools.pro/magiceden/activities")
	v.SetDefault("STATUS_API_ADDR", ":8090")
	v.SetDefault("WALLET_CONFIG_PATH", "config/wallets.json")

	cfg := &AppConfig{
		FundingWIF:            v.GetString("FUNDING_WIF"),
		TokenReceiveAddress:   v.GetString("TOKEN_RECEIVE_ADDRESS"),
		APIKey:                v.GetString("API_KEY"),
		RateLimit:             v.GetFloat64("RATE_LIMIT"),
		DefaultOutbidMargin:   v.GetFloat64("DEFAULT_OUTBID_MARGIN"),
		DefaultLoopSeconds:    v.GetInt("DEFAULT_LOOP"),
		BidsPerMinute:         v.GetInt("BIDS_PER_MINUTE"),
		EnableWalletRotation:  v.GetBool("ENABLE_WALLET_ROTATION"),
		WalletConfigPath:      v.GetString("WALLET_CONFIG_PATH"),
		EnableAddressRotation: v.GetBool("ENABLE_ADDRESS_ROTATION"),
		AddressPoolSize:       v.GetInt("ADDRESS_POOL_SIZE"),
		AddressPoolSeed:       v.GetString("ADDRESS_POOL_SEED"),
		CentralizeReceiveAddr: v.GetBool("CENTRALIZE_RECEIVE_ADDRESS"),
		MarketplaceBaseURL:    v.GetString("MARKETPLACE_BASE_URL"),
		ActivityStreamURL:     v.GetString("ACTIVITY_STREAM_URL"),
		StatusAPIAddr:         v.GetString("STATUS_API_ADDR"),
		BidLedgerDSN:          v.GetString("BID_LEDGER_DSN"),
		WalletPassphrase:      v.GetString("WALLET_PASSPHRASE"),
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("configs: API_KEY must be set")
	}
	return cfg, nil
}

// collectionJSON is the on-disk shape of one entry in collections.json.
// Fields left zero are filled from AppConfig's documented defaults, never
// invented outright for BTC-amount fields the spec requires to be explicit
// (minBid/maxBid/outBidMargin without a default).
type collectionJSON struct {
	Symbol               string   `json:"symbol"`
	MinBid               float64  `json:"minBid"`
	MaxBid               float64  `json:"maxBid"`
	MinFloorBid          float64  `json:"minFloorBid"`
	MaxFloorBid          float64  `json:"maxFloorBid"`
	BidCount             int      `json:"bidCount"`
	DurationMinutes      int      `json:"duration"`
	ScheduledLoopSeconds int      `json:"scheduledLoop"`
	EnableCounterBidding bool     `json:"enableCounterBidding"`
	OutBidMargin         *float64 `json:"outBidMargin"`
	OfferType            string   `json:"offerType"`
	Quantity             int      `json:"quantity"`
	FeeSatsPerVbyte      int64    `json:"feeSatsPerVbyte"`
	Traits               []string `json:"traits"`
	WalletGroup          string   `json:"walletGroup"`
}

// LoadCollections reads and validates config/collections.json into
// CollectionConfig values, applying AppConfig's documented env-var defaults
// to any entry that omits outBidMargin or scheduledLoop, and a bidCount of 1
// to any entry that omits bidCount (§4.16).
// Validation failure is fatal at boot per §7: the caller is expected to log
// and exit, not attempt to run with a partially-valid configuration.
func LoadCollections(path string, app *AppConfig) ([]bidbot.CollectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configs: read collections file: %w", err)
	}

	var raw []collectionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("configs: parse collections file: %w", err)
	}

	out := make([]bidbot.CollectionConfig, 0, len(raw))
	for _, r := range raw {
		outBidMargin := app.DefaultOutbidMargin
		if r.OutBidMargin != nil {
			outBidMargin = *r.OutBidMargin
		}
		scheduledLoop := r.ScheduledLoopSeconds
		if scheduledLoop == 0 {
			scheduledLoop = app.DefaultLoopSeconds
		}
		bidCount := r.BidCount
		if bidCount == 0 {
			bidCount = 1
		}

		cfg := bidbot.CollectionConfig{
			Symbol:               r.Symbol,
			MinBid:               r.MinBid,
			MaxBid:               r.MaxBid,
			MinFloorBid:          r.MinFloorBid,
			MaxFloorBid:          r.MaxFloorBid,
			BidCount:             bidCount,
			DurationMinutes:      r.DurationMinutes,
			ScheduledLoopSeconds: scheduledLoop,
			EnableCounterBidding: r.EnableCounterBidding,
			OutBidMargin:         outBidMargin,
			OfferType:            bidbot.OfferType(r.OfferType),
			Quantity:             r.Quantity,
			FeeSatsPerVbyte:      r.FeeSatsPerVbyte,
			Traits:               r.Traits,
			WalletGroup:          r.WalletGroup,
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configs: %w", err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// walletsJSON is wallets.json's plaintext shape: either flat or grouped
// (§6). Exactly one of Wallets or Groups should be populated.
type walletsJSON struct {
	Wallets       []walletJSON         `json:"wallets,omitempty"`
	BidsPerMinute int                  `json:"bidsPerMinute,omitempty"`
	Groups        map[string]groupJSON `json:"groups,omitempty"`
	DefaultGroup  string               `json:"defaultGroup,omitempty"`
	FundingWallet string               `json:"fundingWallet,omitempty"`
}

type groupJSON struct {
	Wallets       []walletJSON `json:"wallets"`
	BidsPerMinute int          `json:"bidsPerMinute"`
}

type walletJSON struct {
	Label          string `json:"label"`
	WIF            string `json:"wif"`
	ReceiveAddress string `json:"receiveAddress"`
}

// WalletGroupSpec is one group's wallet list plus its shared bids-per-minute cap.
type WalletGroupSpec struct {
	Wallets       []walletJSON
	BidsPerMinute int
}

// WalletsDocument is parsed wallets.json: either a single flat group
// (Groups empty) or several named groups plus a default (§6).
type WalletsDocument struct {
	Flat         *WalletGroupSpec
	Groups       map[string]WalletGroupSpec
	DefaultGroup string
}

// ParseWalletsDocument parses already-decrypted wallets.json bytes. Callers
// read plaintext.json straight through; encrypted files go through
// walletenc.Decrypt first (the envelope and the document schema are
// orthogonal, per §3.1/§6).
func ParseWalletsDocument(plaintext []byte) (*WalletsDocument, error) {
	var raw walletsJSON
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return nil, fmt.Errorf("configs: parse wallets file: %w", err)
	}

	if len(raw.Groups) > 0 {
		groups := make(map[string]WalletGroupSpec, len(raw.Groups))
		for name, g := range raw.Groups {
			groups[name] = WalletGroupSpec{Wallets: g.Wallets, BidsPerMinute: g.BidsPerMinute}
		}
		return &WalletsDocument{Groups: groups, DefaultGroup: raw.DefaultGroup}, nil
	}

	return &WalletsDocument{
		Flat: &WalletGroupSpec{Wallets: raw.Wallets, BidsPerMinute: raw.BidsPerMinute},
	}, nil
}
