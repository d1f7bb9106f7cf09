// Package streamclient implements the duplex marketplace activity feed
// (C10): connect, subscribe, decode frames, and reconnect with exponential
// backoff on any read/write failure.
package streamclient

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MaxRetries bounds the exponential backoff before the client gives up and
// reports itself permanently disconnected (§4.10).
const MaxRetries = 5

const defaultDialTimeout = 10 * time.Second

// Option configures a Client, mirroring the teacher's functional-options
// constructor pattern (`txlistener.WithPollInterval`/`WithTimeout`).
type Option func(*Client)

// WithMaxRetries overrides MaxRetries.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithDialTimeout overrides the per-attempt dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = log }
}

// frame is the wire envelope for one activity message (§6).
type frame struct {
	Kind                bidbot.Kind `json:"kind"`
	CollectionSymbol    string      `json:"collectionSymbol"`
	TokenID             string      `json:"tokenId"`
	ListedPrice         int64       `json:"listedPrice"`
	BuyerPaymentAddress string      `json:"buyerPaymentAddress"`
	NewOwner            string      `json:"newOwner"`
	CreatedAtMs         int64       `json:"createdAtMs"`
}

func (f frame) toEvent() bidbot.Event {
	return bidbot.Event{
		Kind:                f.Kind,
		CollectionSymbol:    f.CollectionSymbol,
		TokenID:             f.TokenID,
		ListedPrice:         f.ListedPrice,
		BuyerPaymentAddress: f.BuyerPaymentAddress,
		NewOwner:            f.NewOwner,
		CreatedAtMs:         f.CreatedAtMs,
	}
}

// subscription is sent once per successful connect, naming every collection
// symbol the caller wants activity for.
type subscription struct {
	Type        string   `json:"type"`
	Collections []string `json:"collections"`
}

// Client is a reconnecting duplex websocket client for the marketplace's
// activity feed.
type Client struct {
	url         string
	collections []string

	maxRetries  int
	dialTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	log *zap.SugaredLogger
}

// New constructs a Client for url, subscribing to collections on every
// (re)connect.
func New(url string, collections []string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		collections: collections,
		maxRetries:  MaxRetries,
		dialTimeout: defaultDialTimeout,
		log:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "streamclient")
	return c
}

// Connected reports whether the underlying socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run dials, subscribes, and forwards decoded events to onEvent until ctx is
// cancelled. On any failure it reconnects with exponential backoff, resetting
// the retry counter after each successful connection. Run returns only when
// ctx is cancelled or the retry budget is exhausted.
func (c *Client) Run(ctx context.Context, onEvent func(bidbot.Event)) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.connectAndServe(ctx, onEvent)
		wasConnected := c.Connected()
		c.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wasConnected {
			attempt = 0 // the dial succeeded; only consecutive failed attempts count
		}
		if err == nil {
			attempt = 0
			continue // server closed cleanly; reconnect immediately
		}

		attempt++
		if attempt > c.maxRetries {
			return fmt.Errorf("streamclient: giving up after %d attempts: %w", attempt, err)
		}
		backoff := c.backoff(attempt)
		c.log.Warnw("stream disconnected, reconnecting", "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	return base + jitter
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) connectAndServe(ctx context.Context, onEvent func(bidbot.Event)) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("streamclient: dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setConnected(true)

	sub := subscription{Type: "subscribe", Collections: c.collections}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("streamclient: subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("streamclient: read: %w", err)
		}
		if _, watched := bidbot.WatchedKinds[f.Kind]; !watched {
			continue
		}
		onEvent(f.toEvent())
	}
}
