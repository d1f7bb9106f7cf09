package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/NFTToolz/ordinals-bid-bot/configs"
	"github.com/NFTToolz/ordinals-bid-bot/pkg/marketplace"
	"github.com/NFTToolz/ordinals-bid-bot/pkg/walletenc"
	"go.uber.org/zap"
)

func newLogger() (*zap.Logger, error) {
	if os.Getenv("BIDBOT_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadWallets(app *configs.AppConfig) (*configs.WalletsDocument, error) {
	raw, err := os.ReadFile(app.WalletConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read wallets file: %w", err)
	}

	if app.WalletPassphrase != "" {
		var env bidbot.WalletFileEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("parse wallet envelope: %w", err)
		}
		plaintext, err := walletenc.Decrypt(env, app.WalletPassphrase)
		if err != nil {
			return nil, fmt.Errorf("decrypt wallets file: %w", err)
		}
		raw = plaintext
	}

	return configs.ParseWalletsDocument(raw)
}

func main() {
	log, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	app, err := configs.LoadAppConfig(".env")
	if err != nil {
		sugar.Fatalw("load app config", "error", err)
	}

	collections, err := configs.LoadCollections("config/collections.json", app)
	if err != nil {
		sugar.Fatalw("load collections", "error", err)
	}

	walletsDoc, err := loadWallets(app)
	if err != nil {
		sugar.Fatalw("load wallets", "error", err)
	}

	// PSBT signing is an external collaborator (§4.12); this
	// binary talks to it over a signer endpoint configured the same way as
	// the marketplace API, with a pass-through default for local dry runs.
	var sign marketplace.Signer
	if url := os.Getenv("SIGNER_URL"); url != "" {
		sign = newHTTPSigner(url, app.APIKey, sugar)
	}

	bot, err := bidbot.New(app, collections, walletsDoc, sign, "data/bidhistory.json", sugar)
	if err != nil {
		sugar.Fatalw("construct bot", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sugar.Infow("starting bot", "collections", len(collections), "statusApiAddr", app.StatusAPIAddr)
	runErr := bot.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := bot.Close(shutdownCtx); err != nil {
		sugar.Errorw("shutdown", "error", err)
	}

	if runErr != nil && ctx.Err() == nil {
		sugar.Fatalw("bot exited", "error", runErr)
	}
	sugar.Info("bot stopped")
}
