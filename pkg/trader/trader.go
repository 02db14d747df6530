// Package trader runs the live pipeline for one product at a time: feed,
// book reducer, signal orchestrator and simulation engine.
package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gregtusar/flowsignal/pkg/book"
	"github.com/gregtusar/flowsignal/pkg/coinbase"
	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/gregtusar/flowsignal/pkg/signals"
	"github.com/gregtusar/flowsignal/pkg/simulation"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultExpirySweepInterval = time.Second
	DefaultFeeRefreshInterval  = 5 * time.Minute

	feedBuffer = 256
)

var ErrNotRunning = errors.New("trader not running")

// Feed delivers level2 frames for one product until ctx is done.
type Feed interface {
	Run(ctx context.Context, out chan<- coinbase.FeedEvent) error
	Resubscribe() error
}

type FeedFactory func(productID string) Feed

// FeeSource reports the account's current fee tier.
type FeeSource interface {
	GetFeeTier(ctx context.Context) (models.FeeTier, error)
}

type Config struct {
	Book                book.Config
	ExpirySweepInterval time.Duration
	FeeRefreshInterval  time.Duration
}

type session struct {
	productID string
	reducer   *book.Reducer
	cancel    context.CancelFunc
	done      chan struct{}
}

type Trader struct {
	newFeed      FeedFactory
	fees         FeeSource
	orchestrator *signals.Orchestrator
	engine       *simulation.Engine
	snapshots    *book.Broadcaster
	cfg          Config
	logger       *logrus.Logger
	log          *logrus.Entry

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	current *session
	wg      sync.WaitGroup
}

// NewTrader wires the pipeline. fees may be nil, in which case the engine
// simulates without fees.
func NewTrader(cfg Config, newFeed FeedFactory, fees FeeSource, orchestrator *signals.Orchestrator, engine *simulation.Engine, logger *logrus.Logger) *Trader {
	if cfg.ExpirySweepInterval <= 0 {
		cfg.ExpirySweepInterval = DefaultExpirySweepInterval
	}
	if cfg.FeeRefreshInterval <= 0 {
		cfg.FeeRefreshInterval = DefaultFeeRefreshInterval
	}
	return &Trader{
		newFeed:      newFeed,
		fees:         fees,
		orchestrator: orchestrator,
		engine:       engine,
		snapshots:    book.NewBroadcaster(),
		cfg:          cfg,
		logger:       logger,
		log:          logger.WithField("component", "trader"),
	}
}

func (t *Trader) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx != nil {
		return errors.New("trader already started")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	productID := t.engine.ActiveProduct()
	if productID == "" {
		productID = t.cfg.Book.ProductID
	}
	t.log.WithField("product_id", productID).Info("Starting trader")

	snapshots, unsubscribe := t.snapshots.Subscribe()
	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		defer unsubscribe()
		t.consume(t.ctx, snapshots)
	}()
	go func() {
		defer t.wg.Done()
		t.sweepExpired(t.ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.refreshFees(t.ctx)
	}()

	t.orchestrator.Reset(productID)
	t.engine.SetActiveProduct(productID)
	t.current = t.startSession(t.ctx, productID)
	return nil
}

// Stop tears down the session and the background loops and waits for them.
func (t *Trader) Stop() {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return
	}
	t.log.Info("Stopping trader")
	t.cancel()
	current := t.current
	t.current = nil
	t.mu.Unlock()

	if current != nil {
		<-current.done
	}
	t.wg.Wait()
}

// SwitchProduct stops the current feed session, clears suggestions and
// starts a fresh session for productID. Open simulated orders for the old
// product are kept but no longer marked.
func (t *Trader) SwitchProduct(productID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx == nil || t.ctx.Err() != nil {
		return ErrNotRunning
	}
	if t.current != nil && t.current.productID == productID {
		return nil
	}

	if t.current != nil {
		t.current.cancel()
		<-t.current.done
	}
	t.orchestrator.Reset(productID)
	t.engine.SetActiveProduct(productID)
	t.current = t.startSession(t.ctx, productID)

	t.log.WithField("product_id", productID).Info("Switched active product")
	return nil
}

func (t *Trader) ActiveProduct() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return t.engine.ActiveProduct()
	}
	return t.current.productID
}

// LatestSnapshot returns the newest published snapshot of the active product.
func (t *Trader) LatestSnapshot() (models.MarketSnapshot, bool) {
	t.mu.Lock()
	current := t.current
	t.mu.Unlock()
	if current == nil {
		return models.MarketSnapshot{}, false
	}
	return current.reducer.Latest()
}

// Snapshots subscribes to every published snapshot.
func (t *Trader) Snapshots() (<-chan models.MarketSnapshot, func()) {
	return t.snapshots.Subscribe()
}

func (t *Trader) startSession(parent context.Context, productID string) *session {
	ctx, cancel := context.WithCancel(parent)
	feed := t.newFeed(productID)

	cfg := t.cfg.Book
	cfg.ProductID = productID
	reducer := book.NewReducer(cfg, t.snapshots, feed.Resubscribe, t.logger)

	s := &session{
		productID: productID,
		reducer:   reducer,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	events := make(chan coinbase.FeedEvent, feedBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feed.Run(gctx, events)
	})
	g.Go(func() error {
		return reducer.Run(gctx, events)
	})

	go func() {
		defer close(s.done)
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.log.WithError(err).WithField("product_id", productID).Error("Feed session ended")
		}
	}()
	return s
}

// consume runs each published snapshot through the signal and simulation
// stages in order.
func (t *Trader) consume(ctx context.Context, snapshots <-chan models.MarketSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			t.handleSnapshot(ctx, snap)
		}
	}
}

func (t *Trader) handleSnapshot(ctx context.Context, snap models.MarketSnapshot) {
	productID := t.ActiveProduct()
	if snap.ProductID != productID {
		return
	}

	result := t.orchestrator.ProcessSnapshot(ctx, snap, productID)
	t.engine.UpdateSnapshot(snap)
	if len(result.New) == 0 {
		return
	}

	opened := t.engine.HandleSuggestions(result.New, snap)
	t.log.WithFields(logrus.Fields{
		"product_id":      productID,
		"new_suggestions": len(result.New),
		"opened_orders":   len(opened),
	}).Debug("Processed new suggestions")
}

func (t *Trader) sweepExpired(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.orchestrator.RemoveExpiredSuggestions(); len(removed) > 0 {
				t.log.WithField("count", len(removed)).Debug("Removed expired suggestions")
			}
		}
	}
}

func (t *Trader) refreshFees(ctx context.Context) {
	if t.fees == nil {
		return
	}
	t.updateFeeTier(ctx)

	ticker := time.NewTicker(t.cfg.FeeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateFeeTier(ctx)
		}
	}
}

func (t *Trader) updateFeeTier(ctx context.Context) {
	tier, err := t.fees.GetFeeTier(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.log.WithError(err).Warn("Failed to refresh fee tier")
		}
		return
	}
	t.engine.SetFeeTier(tier)
	t.log.WithFields(logrus.Fields{
		"maker_rate": tier.MakerRate,
		"taker_rate": tier.TakerRate,
	}).Debug("Updated fee tier")
}
