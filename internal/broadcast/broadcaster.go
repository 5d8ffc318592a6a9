// Package broadcast pushes cached snapshots to downstream sessions on a
// fixed cadence. Sessions never see upstream frames directly; each tick
// re-reads the cache, so a slow consumer only delays its own next tick.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanati/nextfeed/internal/cache"
	"github.com/hanati/nextfeed/internal/model"
	"github.com/hanati/nextfeed/internal/session"
)

// pushMessage is the downstream push frame.
type pushMessage struct {
	Type model.StreamKind `json:"type"`
	Data model.Snapshot   `json:"data"`
}

// Config configures the broadcaster. The two planes tick independently.
type Config struct {
	QuoteInterval time.Duration
	TradeInterval time.Duration
}

// Stats provides statistics about the broadcaster.
type Stats struct {
	Sent     int64
	Failures int64
}

// Broadcaster runs one ticker goroutine per stream plane.
type Broadcaster struct {
	cfg      Config
	registry *session.Registry
	cache    *cache.InstrumentCache
	logger   *slog.Logger

	// onDead is invoked once per session whose write failed; the owner
	// tears the session down (registry removal, upstream unwind, close).
	onDead func(*session.Session)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent     atomic.Int64
	failures atomic.Int64
}

// New creates a broadcaster over the registry and cache.
func New(cfg Config, registry *session.Registry, c *cache.InstrumentCache, onDead func(*session.Session), logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		cfg:      cfg,
		registry: registry,
		cache:    c,
		onDead:   onDead,
		logger:   logger,
	}
}

// Start launches the quote and trade tick loops.
func (b *Broadcaster) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(2)
	go b.tickLoop(model.StreamQuote, b.cfg.QuoteInterval)
	go b.tickLoop(model.StreamTrade, b.cfg.TradeInterval)

	b.logger.Info("broadcaster started",
		"quote_interval", b.cfg.QuoteInterval,
		"trade_interval", b.cfg.TradeInterval,
	)
}

// Stop halts both loops and waits for them to exit.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.logger.Info("broadcaster stopped")
}

// Stats returns broadcaster statistics.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Sent:     b.sent.Load(),
		Failures: b.failures.Load(),
	}
}

func (b *Broadcaster) tickLoop(kind model.StreamKind, interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.tick(kind)
		}
	}
}

// tick fans the current cache contents out to every session on the plane.
// A failed write marks the session dead and skips its remaining keys; the
// rest of the sessions are unaffected.
func (b *Broadcaster) tick(kind model.StreamKind) {
	for _, s := range b.registry.All() {
		if s.Kind() != kind || s.Closed() {
			continue
		}

		for _, key := range s.Subscriptions() {
			if key.Kind != kind {
				continue
			}

			snap, ok := b.cache.Get(key)
			if !ok {
				// Nothing observed yet for this instrument.
				continue
			}

			if err := s.Send(pushMessage{Type: kind, Data: snap}); err != nil {
				b.failures.Add(1)
				b.logger.Warn("push failed, dropping session",
					"session_id", s.ID(),
					"error", err,
				)
				if b.onDead != nil {
					b.onDead(s)
				}
				break
			}
			b.sent.Add(1)
		}
	}
}
