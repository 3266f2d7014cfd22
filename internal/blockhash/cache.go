// Package blockhash keeps a recent blockhash available for probe
// transactions, refreshing it in the background.
package blockhash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gagliardetto/solana-go"

	"github.com/gateway-fm/leaderprobe/internal/rpc"
)

// Fetcher returns the latest blockhash. rpc.Client satisfies it.
type Fetcher interface {
	GetLatestBlockhash(ctx context.Context) (*rpc.Blockhash, error)
}

// Token is a cached blockhash and when it was fetched.
type Token struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
	FetchedAt            time.Time
	// Stale is set after a refresh failed; Hash is the last good value.
	Stale bool
}

// Age returns how long ago the token was fetched.
func (t Token) Age() time.Duration {
	return time.Since(t.FetchedAt)
}

// Config configures a Cache.
type Config struct {
	Interval       time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultConfig refreshes every 30 seconds.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Cache holds the current blockhash. Run is the only writer; any number
// of goroutines may call Current.
type Cache struct {
	fetcher Fetcher
	cfg     Config
	logger  *slog.Logger

	mu      sync.RWMutex
	current Token
	ok      bool

	ready     chan struct{}
	readyOnce sync.Once

	feed event.Feed
}

// New creates an empty cache. Nothing is fetched until Run is called.
func New(fetcher Fetcher, cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Cache{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  cfg.Logger,
		ready:   make(chan struct{}),
	}
}

// Run fetches the first blockhash, retrying until it succeeds, then
// refreshes on every interval until ctx is cancelled. A failed refresh
// marks the cached token stale and keeps serving it.
func (c *Cache) Run(ctx context.Context) error {
	if err := c.refresh(ctx, 0); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initial blockhash fetch: %w", err)
	}
	c.logger.Info("blockhash initial update complete", "blockhash", c.snapshot().Hash.String())

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Retries must finish before the next tick.
			if err := c.refresh(ctx, c.cfg.Interval); err != nil && ctx.Err() == nil {
				c.markStale(err)
			}
		}
	}
}

// refresh fetches with exponential backoff. maxElapsed 0 retries forever.
func (c *Cache) refresh(ctx context.Context, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = maxElapsed

	var bh *rpc.Blockhash
	op := func() error {
		var err error
		bh, err = c.fetcher.GetLatestBlockhash(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("blockhash fetch failed, retrying", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}

	tok := Token{Hash: bh.Hash, LastValidBlockHeight: bh.LastValidBlockHeight, FetchedAt: time.Now()}
	c.mu.Lock()
	c.current = tok
	c.ok = true
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Debug("blockhash refreshed", "blockhash", tok.Hash.String(), "context_slot", bh.ContextSlot)
	c.feed.Send(tok)
	return nil
}

func (c *Cache) markStale(err error) {
	c.mu.Lock()
	c.current.Stale = true
	tok := c.current
	c.mu.Unlock()

	c.logger.Warn("blockhash refresh failed, serving stale value",
		"error", err, "blockhash", tok.Hash.String(), "age", tok.Age().Round(time.Second))
	c.feed.Send(tok)
}

// WaitReady blocks until the first blockhash is cached or ctx is done.
func (c *Cache) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready returns a channel closed once the first blockhash is cached.
func (c *Cache) Ready() <-chan struct{} {
	return c.ready
}

// ErrNotReady is returned by Current before the first fetch.
var ErrNotReady = errors.New("blockhash not fetched yet")

// Current returns the cached token.
func (c *Cache) Current() (Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok {
		return Token{}, ErrNotReady
	}
	return c.current, nil
}

func (c *Cache) snapshot() Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Subscribe delivers every refreshed or stale-marked token to ch. Send
// blocks until every subscriber has received, so ch should be buffered
// and drained promptly.
func (c *Cache) Subscribe(ch chan<- Token) event.Subscription {
	return c.feed.Subscribe(ch)
}
