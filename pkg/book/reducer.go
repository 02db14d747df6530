// Package book reduces the level2 feed into immutable market snapshots.
package book

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/flowsignal/pkg/coinbase"
	"github.com/gregtusar/flowsignal/pkg/ledger"
	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultDepth              = 100
	DefaultMinPublishInterval = 100 * time.Millisecond
	DefaultSnapshotTimeout    = 5 * time.Second
)

type Config struct {
	ProductID          string
	Depth              int
	MinPublishInterval time.Duration
	SnapshotTimeout    time.Duration
}

type ladder = ledger.Ledger[models.LevelKey, models.PriceLevel]

// Reducer owns the working copy of both ladders. All mutation happens on the
// goroutine calling Run (or Apply in tests); published snapshots are copies.
type Reducer struct {
	cfg         Config
	bids        *ladder
	offers      *ladder
	publisher   *Publisher
	resubscribe func() error
	logger      *logrus.Entry

	hasSeenInitialSnapshot atomic.Bool
	latest                 atomic.Pointer[models.MarketSnapshot]

	waitMu    sync.Mutex
	waitTimer *time.Timer
}

// NewReducer builds a reducer that publishes to out. resubscribe is invoked
// when updates arrive but no snapshot follows within the timeout.
func NewReducer(cfg Config, out *Broadcaster, resubscribe func() error, logger *logrus.Logger) *Reducer {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.MinPublishInterval <= 0 {
		cfg.MinPublishInterval = DefaultMinPublishInterval
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = DefaultSnapshotTimeout
	}

	r := &Reducer{
		cfg:         cfg,
		bids:        newLadder(),
		offers:      newLadder(),
		resubscribe: resubscribe,
		logger: logger.WithFields(logrus.Fields{
			"component":  "book_reducer",
			"product_id": cfg.ProductID,
		}),
	}
	r.publisher = NewPublisher(cfg.MinPublishInterval, func(s models.MarketSnapshot) {
		r.latest.Store(&s)
		if out != nil {
			out.Publish(s)
		}
	})
	return r
}

func newLadder() *ladder {
	return ledger.New(
		func(l models.PriceLevel) models.LevelKey { return l.Key() },
		func(a, b models.PriceLevel) bool { return a.Price.LessThan(b.Price) },
	)
}

func (r *Reducer) ProductID() string {
	return r.cfg.ProductID
}

// Latest returns the most recently published snapshot.
func (r *Reducer) Latest() (models.MarketSnapshot, bool) {
	s := r.latest.Load()
	if s == nil {
		return models.MarketSnapshot{}, false
	}
	return *s, true
}

func (r *Reducer) HasSeenInitialSnapshot() bool {
	return r.hasSeenInitialSnapshot.Load()
}

// Run consumes feed events until ctx is done or events is closed.
func (r *Reducer) Run(ctx context.Context, events <-chan coinbase.FeedEvent) error {
	defer r.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.HandleEvent(ev)
		}
	}
}

func (r *Reducer) HandleEvent(ev coinbase.FeedEvent) {
	if ev.Reconnected {
		r.logger.Info("Feed reconnected, waiting for a fresh snapshot")
		r.reset()
		return
	}

	msg, err := DecodeMessage(ev.Data)
	if err != nil {
		r.logger.WithError(err).Warn("Dropping undecodable feed message")
		return
	}
	r.Apply(msg, ev.ReceivedAt)
}

// Apply reduces one decoded message.
func (r *Reducer) Apply(msg coinbase.FeedMessage, receivedAt time.Time) {
	if msg.Type == coinbase.MessageTypeError {
		r.logger.WithField("message", msg.Message).Warn("Feed reported an error")
		return
	}

	switch msg.Channel {
	case coinbase.ChannelSubscriptions:
		r.logger.Debug("Subscription confirmed")
		return
	case coinbase.ChannelHeartbeats:
		return
	}

	latency := feedLatency(msg.Timestamp, receivedAt)
	for _, ev := range msg.Events {
		if ev.ProductID != "" && ev.ProductID != r.cfg.ProductID {
			r.logger.WithField("event_product_id", ev.ProductID).Debug("Ignoring event for another product")
			continue
		}
		switch ev.Type {
		case coinbase.EventTypeSnapshot:
			r.applySnapshot(ev.Updates, receivedAt, latency)
		case coinbase.EventTypeUpdate:
			r.applyUpdate(ev.Updates, receivedAt, latency)
		default:
			r.logger.WithField("event_type", ev.Type).Debug("Ignoring unknown event type")
		}
	}
}

func (r *Reducer) applySnapshot(updates []coinbase.BookUpdate, at time.Time, latency int64) {
	bids := make([]models.PriceLevel, 0, len(updates))
	offers := make([]models.PriceLevel, 0, len(updates))
	for _, u := range updates {
		level, ok := r.parseLevel(u)
		if !ok || level.Quantity.IsZero() {
			continue
		}
		if level.Side == models.BookSideBid {
			bids = append(bids, level)
		} else {
			offers = append(offers, level)
		}
	}

	slices.SortFunc(bids, func(a, b models.PriceLevel) int { return b.Price.Cmp(a.Price) })
	slices.SortFunc(offers, func(a, b models.PriceLevel) int { return a.Price.Cmp(b.Price) })
	if len(bids) > r.cfg.Depth {
		bids = bids[:r.cfg.Depth]
	}
	if len(offers) > r.cfg.Depth {
		offers = offers[:r.cfg.Depth]
	}

	r.bids.BulkLoad(bids, false)
	r.offers.BulkLoad(offers, true)
	r.hasSeenInitialSnapshot.Store(true)
	r.stopSnapshotWait()

	r.publisher.PublishNow(r.build(at, latency))
}

func (r *Reducer) applyUpdate(updates []coinbase.BookUpdate, at time.Time, latency int64) {
	for _, u := range updates {
		level, ok := r.parseLevel(u)
		if !ok {
			continue
		}
		side := r.ladderFor(level.Side)
		if level.Quantity.IsZero() {
			side.Remove(level.Key())
		} else {
			side.Upsert(level.Key(), level)
		}
	}
	r.bids.Truncate(r.cfg.Depth, false)
	r.offers.Truncate(r.cfg.Depth, true)

	snap := r.build(at, latency)
	if !r.hasSeenInitialSnapshot.Load() {
		r.publisher.PublishNow(snap)
		r.armSnapshotWait()
		return
	}
	r.publisher.Offer(snap)
}

func (r *Reducer) parseLevel(u coinbase.BookUpdate) (models.PriceLevel, bool) {
	side, err := models.ParseBookSide(u.Side)
	if err != nil {
		r.logger.WithError(err).Warn("Dropping level with unknown side")
		return models.PriceLevel{}, false
	}
	price, err := decimal.NewFromString(u.PriceLevel)
	if err != nil || !price.IsPositive() {
		r.logger.WithField("price_level", u.PriceLevel).Warn("Dropping level with invalid price")
		return models.PriceLevel{}, false
	}
	qty, err := decimal.NewFromString(u.NewQuantity)
	if err != nil || qty.IsNegative() {
		r.logger.WithField("new_quantity", u.NewQuantity).Warn("Dropping level with invalid quantity")
		return models.PriceLevel{}, false
	}
	return models.PriceLevel{Price: price, Quantity: qty, Side: side, EventTime: u.EventTime}, true
}

func (r *Reducer) ladderFor(side models.BookSide) *ladder {
	if side == models.BookSideBid {
		return r.bids
	}
	return r.offers
}

func (r *Reducer) build(at time.Time, latency int64) models.MarketSnapshot {
	if at.IsZero() {
		at = time.Now()
	}
	return models.MarketSnapshot{
		ProductID:     r.cfg.ProductID,
		Bids:          r.bids.Elements(false),
		Offers:        r.offers.Elements(true),
		CapturedAt:    at,
		FeedLatencyMs: latency,
	}
}

func (r *Reducer) armSnapshotWait() {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()

	if r.waitTimer != nil {
		return
	}
	r.waitTimer = time.AfterFunc(r.cfg.SnapshotTimeout, func() {
		r.waitMu.Lock()
		r.waitTimer = nil
		r.waitMu.Unlock()

		if r.hasSeenInitialSnapshot.Load() {
			return
		}
		r.logger.Warn("No snapshot received, re-issuing subscription")
		if r.resubscribe == nil {
			return
		}
		if err := r.resubscribe(); err != nil {
			r.logger.WithError(err).Error("Failed to resubscribe")
		}
	})
}

func (r *Reducer) stopSnapshotWait() {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	if r.waitTimer != nil {
		r.waitTimer.Stop()
		r.waitTimer = nil
	}
}

func (r *Reducer) reset() {
	r.hasSeenInitialSnapshot.Store(false)
	r.stopSnapshotWait()
	r.publisher.Discard()
	r.bids.Clear()
	r.offers.Clear()
}

func (r *Reducer) stop() {
	r.stopSnapshotWait()
	r.publisher.Stop()
}

// DecodeMessage parses one feed frame.
func DecodeMessage(data []byte) (coinbase.FeedMessage, error) {
	var msg coinbase.FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return coinbase.FeedMessage{}, fmt.Errorf("decode feed message: %w", err)
	}
	return msg, nil
}

func feedLatency(timestamp string, receivedAt time.Time) int64 {
	if timestamp == "" || receivedAt.IsZero() {
		return 0
	}
	sent, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return 0
	}
	ms := receivedAt.Sub(sent).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}
