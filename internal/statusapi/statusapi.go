// Package statusapi implements the read-only status endpoint (C14): a single
// route that assembles a StatsSnapshot from the pacer, wallet pool, bid
// history store, event queue, and metrics registry and serves it as JSON.
package statusapi

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/NFTToolz/ordinals-bid-bot/internal/bidstore"
	"github.com/NFTToolz/ordinals-bid-bot/internal/eventqueue"
	"github.com/NFTToolz/ordinals-bid-bot/internal/pacer"
	"github.com/NFTToolz/ordinals-bid-bot/internal/walletpool"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Counters is the narrow slice of outcome counters the server does not own
// directly (bid placements/counters/cancellations/wins), kept by whatever
// component calls into C15's metrics registry.
type Counters struct {
	BidsPlaced    int64
	BidsCountered int64
	BidsCancelled int64
	BidsWon       int64
	SkipReasons   map[string]int64
}

// CountersFunc produces a fresh Counters snapshot on each request.
type CountersFunc func() Counters

// Server serves GET /api/stats (§4.14).
type Server struct {
	pacer           *pacer.Pacer
	wallets         *walletpool.Pool
	store           *bidstore.Store
	queue           *eventqueue.Manager
	counters        CountersFunc
	streamConnected func() bool
	startedAt       time.Time
	log             *zap.SugaredLogger
}

// New constructs a Server. startedAt is passed in (not captured via time.Now)
// so the server's own uptime math stays deterministic under test.
func New(p *pacer.Pacer, wallets *walletpool.Pool, store *bidstore.Store, queue *eventqueue.Manager, counters CountersFunc, streamConnected func() bool, startedAt time.Time, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		pacer:           p,
		wallets:         wallets,
		store:           store,
		queue:           queue,
		counters:        counters,
		streamConnected: streamConnected,
		startedAt:       startedAt,
		log:             log.With("component", "statusapi"),
	}
}

// Router builds the mux.Router serving the status surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.Errorw("encode stats response", "error", err)
	}
}

// Snapshot assembles the current StatsSnapshot directly, without going
// through HTTP. Used by the root orchestrator to expose status in-process.
func (s *Server) Snapshot() bidbot.StatsSnapshot {
	return s.snapshot()
}

func (s *Server) snapshot() bidbot.StatsSnapshot {
	counters := Counters{SkipReasons: map[string]int64{}}
	if s.counters != nil {
		counters = s.counters()
	}

	wallets := make([]bidbot.WalletStatus, 0)
	if s.wallets != nil {
		for _, w := range s.wallets.Wallets() {
			wallets = append(wallets, bidbot.WalletStatus{
				PaymentAddress: w.PaymentAddress,
				BidsInWindow:   w.BidsInWindow(),
				BidsPerMinute:  w.BidsPerMinute(),
			})
		}
	}

	var pacerUsed, pacerCapacity int
	if s.pacer != nil {
		pacerUsed, pacerCapacity = s.pacer.Used(), s.pacer.Capacity()
	}

	var queueDepth int
	if s.queue != nil {
		queueDepth = s.queue.Depth()
	}

	var history map[string]*bidbot.CollectionBidRecord
	if s.store != nil {
		history = s.store.Snapshot()
	}

	connected := false
	if s.streamConnected != nil {
		connected = s.streamConnected()
	}

	return bidbot.StatsSnapshot{
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
		Goroutines:      runtime.NumGoroutine(),
		BidsPlaced:      counters.BidsPlaced,
		BidsCountered:   counters.BidsCountered,
		BidsCancelled:   counters.BidsCancelled,
		BidsWon:         counters.BidsWon,
		SkipReasons:     counters.SkipReasons,
		PacerUsed:       pacerUsed,
		PacerCapacity:   pacerCapacity,
		QueueDepth:      queueDepth,
		StreamConnected: connected,
		Wallets:         wallets,
		BidHistory:      history,
	}
}
