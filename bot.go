package bidbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NFTToolz/ordinals-bid-bot/configs"
	"github.com/NFTToolz/ordinals-bid-bot/internal/bidstore"
	"github.com/NFTToolz/ordinals-bid-bot/internal/counterbid"
	"github.com/NFTToolz/ordinals-bid-bot/internal/db"
	"github.com/NFTToolz/ordinals-bid-bot/internal/eventqueue"
	"github.com/NFTToolz/ordinals-bid-bot/internal/locks"
	"github.com/NFTToolz/ordinals-bid-bot/internal/metrics"
	"github.com/NFTToolz/ordinals-bid-bot/internal/pacer"
	"github.com/NFTToolz/ordinals-bid-bot/internal/scheduler"
	"github.com/NFTToolz/ordinals-bid-bot/internal/statusapi"
	"github.com/NFTToolz/ordinals-bid-bot/internal/walletpool"
	"github.com/NFTToolz/ordinals-bid-bot/pkg/marketplace"
	"github.com/NFTToolz/ordinals-bid-bot/pkg/streamclient"
	"github.com/NFTToolz/ordinals-bid-bot/pkg/walletenc"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// counterWorkers bounds how many goroutines drain the dispatch queue
// concurrently (§4.7's priority queue is the serialization point; several
// workers may run unrelated collections' counter-bid work in parallel).
const counterWorkers = 4

// Bot is the process-wide orchestrator, wiring C1-C16 together the way the
// teacher's Blackhole struct wires a tx listener and a map of contract
// clients into one root value exposing Run/Close.
type Bot struct {
	app         *configs.AppConfig
	collections []CollectionConfig

	pacer    *pacer.Pacer
	flatPool *walletpool.Pool
	groups   *walletpool.GroupManager

	tokens   *locks.TokenLock
	quantity *locks.QuantityLock

	store  *bidstore.Store
	queue  *eventqueue.Manager
	market *marketplace.Client
	stream *streamclient.Client

	schedulers []*scheduler.Scheduler
	handlerFor map[string]*counterbid.Handler // collection symbol -> owning Handler

	ledger  *db.BidLedgerRecorder
	metrics *metrics.Registry
	status  *statusapi.Server
	httpSrv *http.Server

	startedAt time.Time
	log       *zap.SugaredLogger
}

// bridgeWallet/bridgeFile reshape a configs.WalletGroupSpec's entries into
// the flat {"wallets":[{"label","wif"}]} document walletenc.Load expects;
// the grouping itself is resolved one level up, in configs.WalletsDocument.
type bridgeWallet struct {
	Label string `json:"label"`
	WIF   string `json:"wif"`
}

type bridgeFile struct {
	Wallets []bridgeWallet `json:"wallets"`
}

// buildPool decrypts and derives addresses for one wallet group (or the flat
// document) and wraps the result in a walletpool.Pool. The wallets.json
// file's own receiveAddress field, if present, is discarded in favor of the
// address walletenc derives from the WIF's public key: derivation is
// authoritative per §4.12, the file is not trusted to have it right.
func buildPool(spec configs.WalletGroupSpec, fallbackBidsPerMinute int, params *chaincfg.Params, log *zap.SugaredLogger) (*walletpool.Pool, error) {
	bidsPerMinute := spec.BidsPerMinute
	if bidsPerMinute <= 0 {
		bidsPerMinute = fallbackBidsPerMinute
	}

	var bridge bridgeFile
	for _, w := range spec.Wallets {
		bridge.Wallets = append(bridge.Wallets, bridgeWallet{Label: w.Label, WIF: w.WIF})
	}
	raw, err := json.Marshal(bridge)
	if err != nil {
		return nil, fmt.Errorf("bot: marshal wallet bridge: %w", err)
	}
	entries, err := walletenc.Load(raw, params)
	if err != nil {
		return nil, fmt.Errorf("bot: decode wallets: %w", err)
	}

	wallets := make([]*walletpool.Wallet, 0, len(entries))
	for _, e := range entries {
		wallets = append(wallets, &walletpool.Wallet{
			Label:          e.Label,
			PaymentAddress: e.PaymentAddress,
			ReceiveAddress: e.ReceiveAddress,
		})
	}
	return walletpool.New(wallets, bidsPerMinute, log), nil
}

// buildWallets resolves a parsed wallets.json document into either a single
// flat Pool or a GroupManager composing one Pool per group (§4.2, §6).
func buildWallets(doc *configs.WalletsDocument, app *configs.AppConfig, log *zap.SugaredLogger) (flat *walletpool.Pool, groups *walletpool.GroupManager, err error) {
	params := &chaincfg.MainNetParams

	if doc.Flat != nil {
		flat, err = buildPool(*doc.Flat, app.BidsPerMinute, params, log)
		return flat, nil, err
	}

	pools := make(map[string]*walletpool.Pool, len(doc.Groups))
	for name, spec := range doc.Groups {
		p, err := buildPool(spec, app.BidsPerMinute, params, log)
		if err != nil {
			return nil, nil, fmt.Errorf("bot: build wallet group %q: %w", name, err)
		}
		pools[name] = p
	}
	groups, err = walletpool.NewGroupManager(pools, doc.DefaultGroup, log)
	if err != nil {
		return nil, nil, fmt.Errorf("bot: wallet group manager: %w", err)
	}
	return nil, groups, nil
}

// New assembles a Bot from already-loaded configuration. sign is the
// external PSBT-signing collaborator (§4.12); bidStorePath is where C5
// persists bidHistory.json.
func New(app *configs.AppConfig, collections []CollectionConfig, walletsDoc *configs.WalletsDocument, sign marketplace.Signer, bidStorePath string, log *zap.SugaredLogger) (*Bot, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With("component", "bot")

	flatPool, groups, err := buildWallets(walletsDoc, app, log)
	if err != nil {
		return nil, err
	}

	var (
		capacity    int
		ownsAddress func(string) bool
	)
	if groups != nil {
		capacity = groups.Capacity()
		ownsAddress = groups.OwnsAddress
	} else {
		capacity = flatPool.Capacity()
		ownsAddress = flatPool.OwnsAddress
	}

	p := pacer.New(capacity, log)
	tokens := locks.NewTokenLock(log)
	quantity := locks.NewQuantityLock(log)

	store := bidstore.New(bidStorePath, 0, log)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("bot: load bid store: %w", err)
	}
	symbols := make([]string, 0, len(collections))
	for _, cfg := range collections {
		store.Init(cfg.Symbol, cfg.OfferType)
		symbols = append(symbols, cfg.Symbol)
	}

	// The store has already been loaded above, so the ready gate can open
	// immediately: every event this process itself enqueues from here on
	// is post-boot (§4.7 step 1).
	queue := eventqueue.New(symbols, ownsAddress, log)
	queue.SetReady()

	market := marketplace.New(app.MarketplaceBaseURL, app.APIKey, app.RateLimit, sign, log)
	stream := streamclient.New(app.ActivityStreamURL, symbols, streamclient.WithLogger(log))

	if groups != nil {
		for _, cfg := range collections {
			if cfg.WalletGroup == "" {
				continue // PoolFor falls back to the default group when unbound
			}
			if err := groups.Bind(cfg.Symbol, cfg.WalletGroup); err != nil {
				return nil, fmt.Errorf("bot: %w", err)
			}
		}
	}

	selectorFor := func(cfg CollectionConfig) *walletpool.Pool {
		if groups != nil {
			return groups.PoolFor(cfg.Symbol)
		}
		return flatPool
	}

	var ledger *db.BidLedgerRecorder
	if app.BidLedgerDSN != "" {
		ledger, err = db.NewBidLedgerRecorder(app.BidLedgerDSN)
		if err != nil {
			return nil, fmt.Errorf("bot: bid ledger: %w", err)
		}
	}
	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	// A nil *db.BidLedgerRecorder must never be handed to a component behind
	// its narrow Ledger interface: an interface value wrapping a nil pointer
	// is itself non-nil, so every nil-check downstream would otherwise pass
	// and dereference a nil receiver. Leave these interfaces nil unless a
	// ledger was actually constructed.
	var (
		schedLedger      scheduler.Ledger
		counterLedger    counterbid.Ledger
		eventQueueLedger eventqueue.Ledger
	)
	if ledger != nil {
		schedLedger, counterLedger, eventQueueLedger = ledger, ledger, ledger
	}
	queue.SetTelemetry(reg, eventQueueLedger)

	schedulers := make([]*scheduler.Scheduler, 0, len(collections))
	byGroup := make(map[string][]CollectionConfig)
	for _, cfg := range collections {
		s := scheduler.New(cfg, p, selectorFor(cfg), tokens, store, market, quantity, log)
		s.SetTelemetry(reg, schedLedger)
		schedulers = append(schedulers, s)
		byGroup[cfg.WalletGroup] = append(byGroup[cfg.WalletGroup], cfg)
	}

	// One counterbid.Handler per wallet group rather than per collection:
	// the handler indexes collections by symbol internally, so collections
	// sharing a wallet group share a Handler and its wallet selector.
	handlerFor := make(map[string]*counterbid.Handler, len(collections))
	for _, cfgs := range byGroup {
		h := counterbid.New(cfgs, selectorFor(cfgs[0]), tokens, store, market, quantity, log)
		h.SetTelemetry(reg, counterLedger)
		for _, cfg := range cfgs {
			handlerFor[cfg.Symbol] = h
		}
	}

	statusWallets := flatPool
	if groups != nil {
		statusWallets = groups.PoolFor(walletsDoc.DefaultGroup)
	}
	startedAt := time.Now()
	status := statusapi.New(p, statusWallets, store, queue, func() statusapi.Counters {
		t := reg.Totals()
		return statusapi.Counters{
			BidsPlaced:    t.BidsPlaced,
			BidsCountered: t.BidsCountered,
			BidsCancelled: t.BidsCancelled,
			BidsWon:       t.BidsWon,
			SkipReasons:   t.SkipReasons,
		}
	}, stream.Connected, startedAt, log)

	return &Bot{
		app:         app,
		collections: collections,
		pacer:       p,
		flatPool:    flatPool,
		groups:      groups,
		tokens:      tokens,
		quantity:    quantity,
		store:       store,
		queue:       queue,
		market:      market,
		stream:      stream,
		schedulers:  schedulers,
		handlerFor:  handlerFor,
		ledger:      ledger,
		metrics:     reg,
		status:      status,
		startedAt:   startedAt,
		log:         log,
	}, nil
}

// Run starts every collection's scheduled-loop goroutine, the stream
// client, the dispatch-queue workers, and the status HTTP server, blocking
// until ctx is cancelled (§4's "Cancellation": one process-wide shutdown
// signal).
func (b *Bot) Run(ctx context.Context) error {
	for _, s := range b.schedulers {
		go s.Run(ctx)
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	for i := 0; i < counterWorkers; i++ {
		go b.dispatchLoop(ctx, done)
	}

	streamErrCh := make(chan error, 1)
	go func() {
		streamErrCh <- b.stream.Run(ctx, func(ev Event) {
			b.queue.Submit(ev)
		})
	}()

	if b.app.StatusAPIAddr != "" {
		b.httpSrv = &http.Server{Addr: b.app.StatusAPIAddr, Handler: b.status.Router()}
		go func() {
			if err := b.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.log.Errorw("status api server stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-streamErrCh:
		return fmt.Errorf("bot: stream client exited: %w", err)
	}
}

// dispatchLoop drains the priority queue and routes each event to the
// Handler owning its collection's wallet group. The Handler itself records
// a durable ledger entry when a bid results (§4.13).
func (b *Bot) dispatchLoop(ctx context.Context, done <-chan struct{}) {
	for {
		ev, ok := b.queue.Next(done)
		if !ok {
			return
		}
		h, ok := b.handlerFor[ev.CollectionSymbol]
		if !ok {
			continue
		}
		if err := h.Handle(ctx, ev); err != nil {
			b.log.Warnw("counter-bid dispatch failed", "collection", ev.CollectionSymbol, "kind", ev.Kind, "error", err)
		}
	}
}

// Close flushes the bid store, releases pending pacer reservations, and
// shuts down the status server and bid ledger connection.
func (b *Bot) Close(ctx context.Context) error {
	b.pacer.Shutdown()
	if err := b.store.ForceWrite(); err != nil {
		b.log.Warnw("final bid store write failed", "error", err)
	}
	if b.httpSrv != nil {
		if err := b.httpSrv.Shutdown(ctx); err != nil {
			b.log.Warnw("status api shutdown failed", "error", err)
		}
	}
	if b.ledger != nil {
		return b.ledger.Close()
	}
	return nil
}

// Status returns the current StatsSnapshot without going through HTTP,
// useful for tests and for embedding the bot in another process.
func (b *Bot) Status() StatsSnapshot {
	return b.status.Snapshot()
}
