// Package simulation paper-trades suggestions against live snapshots.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	maxHistory  = 1000
	saveTimeout = 5 * time.Second
)

var ErrOrderNotFound = errors.New("simulated order not found")

// Store persists the engine's state. The encoding is up to the implementation.
type Store interface {
	Save(ctx context.Context, state models.SimulationState) error
	Load(ctx context.Context) (models.SimulationState, error)
	Clear(ctx context.Context) error
}

// Engine tracks simulated orders for the active product. Every mutation is
// gated on the product matching the snapshot or suggestion being applied.
type Engine struct {
	store  Store
	logger *logrus.Entry
	now    func() time.Time

	mu        sync.Mutex
	productID string
	feeTier   *models.FeeTier
	latest    *models.MarketSnapshot
	open      []models.SimulatedOrder
	closed    []models.SimulatedOrder
	metrics   models.PerformanceMetrics

	// admitted holds every suggestion id that ever opened an order.
	admitted map[string]struct{}
}

// NewEngine returns an engine for productID. store may be nil for an
// in-memory engine.
func NewEngine(productID string, store Store, logger *logrus.Logger) *Engine {
	return &Engine{
		store:     store,
		logger:    logger.WithField("component", "simulation"),
		now:       time.Now,
		productID: productID,
		metrics:   models.NewPerformanceMetrics(),
		admitted:  make(map[string]struct{}),
	}
}

// Load restores persisted state, replacing whatever is in memory.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	state, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load simulation state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = state.OpenOrders
	e.closed = state.ClosedOrders
	e.admitted = make(map[string]struct{})
	for _, orders := range [][]models.SimulatedOrder{e.open, e.closed} {
		for _, o := range orders {
			if o.SuggestionID != "" {
				e.admitted[o.SuggestionID] = struct{}{}
			}
		}
	}
	e.metrics = state.Metrics
	if e.metrics.ByAlgorithm == nil {
		e.metrics.ByAlgorithm = make(map[string]models.AlgorithmPerformance)
	}

	e.logger.WithFields(logrus.Fields{
		"open_orders":   len(e.open),
		"closed_orders": len(e.closed),
	}).Info("Simulation state loaded")
	return nil
}

// SetActiveProduct switches the product the engine reacts to. Open orders
// for other products are kept but no longer marked to market.
func (e *Engine) SetActiveProduct(productID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.productID == productID {
		return
	}
	e.productID = productID
	e.latest = nil
}

func (e *Engine) ActiveProduct() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.productID
}

func (e *Engine) SetFeeTier(tier models.FeeTier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feeTier = &tier
}

func (e *Engine) FeeTier() (models.FeeTier, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.feeTier == nil {
		return models.FeeTier{}, false
	}
	return *e.feeTier, true
}

// HandleSuggestions admits newly appeared suggestions using the snapshot that
// produced them and returns the orders that passed the gate.
func (e *Engine) HandleSuggestions(suggestions []models.Suggestion, snapshot models.MarketSnapshot) []models.SimulatedOrder {
	var created []models.SimulatedOrder
	for _, s := range suggestions {
		if o, ok := e.CreateSimulatedOrder(s, snapshot); ok {
			created = append(created, o)
		}
	}
	return created
}

// CreateSimulatedOrder opens a simulated order for s if the liquidity gate
// passes. Rejections are silent.
func (e *Engine) CreateSimulatedOrder(s models.Suggestion, snapshot models.MarketSnapshot) (models.SimulatedOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.logger.WithFields(logrus.Fields{
		"suggestion_id": s.ID,
		"algorithm_id":  s.AlgorithmID,
		"side":          s.Side,
	})

	if s.ProductID != e.productID || snapshot.ProductID != e.productID {
		log.WithField("product_id", s.ProductID).Debug("Ignoring suggestion for inactive product")
		return models.SimulatedOrder{}, false
	}
	if _, seen := e.admitted[s.ID]; seen {
		log.Debug("Suggestion already admitted")
		return models.SimulatedOrder{}, false
	}
	if !CheckLiquidity(s.Side, s.Price, s.Size, snapshot) {
		log.WithFields(logrus.Fields{"price": s.Price, "size": s.Size}).Debug("Suggestion rejected by liquidity gate")
		return models.SimulatedOrder{}, false
	}

	current := s.Price
	if mid, ok := snapshot.MidPrice(); ok {
		current = mid
	}
	order := models.SimulatedOrder{
		ID:              uuid.NewString(),
		SuggestionID:    s.ID,
		AlgorithmID:     s.AlgorithmID,
		ProductID:       s.ProductID,
		Side:            s.Side,
		EntryPrice:      s.Price,
		Size:            s.Size,
		Confidence:      s.Confidence,
		Reasoning:       s.Reasoning,
		TargetCloseTime: s.TargetCloseTime,
		TargetPrice:     s.TargetPrice,
		GoalPnL:         s.GoalPnL,
		CreatedAt:       e.now(),
		CurrentPrice:    current,
		Status:          models.SimulationStatusOpen,
	}
	order.PnL = CalculatePnL(order.Side, order.EntryPrice, current, order.Size, e.feeRateLocked())
	e.open = append(e.open, order)
	if s.ID != "" {
		e.admitted[s.ID] = struct{}{}
	}
	e.saveLocked()

	log.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"entry_price": order.EntryPrice,
		"size":        order.Size,
	}).Info("Simulated order opened")
	return order, true
}

// UpdateSnapshot marks open orders for the snapshot's product to market and
// closes those that reached their target time or target price.
func (e *Engine) UpdateSnapshot(snapshot models.MarketSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if snapshot.ProductID != e.productID {
		return
	}
	e.latest = &snapshot

	mid, ok := snapshot.MidPrice()
	if !ok {
		return
	}

	now := e.now()
	rate := e.feeRateLocked()
	changed := false
	kept := e.open[:0]
	for _, o := range e.open {
		if o.ProductID != snapshot.ProductID {
			kept = append(kept, o)
			continue
		}
		changed = true
		o.CurrentPrice = mid
		o.PnL = CalculatePnL(o.Side, o.EntryPrice, mid, o.Size, rate)

		if reason, exit := e.exitReason(o, snapshot, now); exit {
			e.closeLocked(o, mid, reason, now)
			continue
		}
		kept = append(kept, o)
	}
	e.open = kept

	if changed {
		e.saveLocked()
	}
}

func (e *Engine) exitReason(o models.SimulatedOrder, snapshot models.MarketSnapshot, now time.Time) (models.ExitReason, bool) {
	if o.TargetCloseTime != nil && !now.Before(*o.TargetCloseTime) {
		return models.ExitReasonTargetTime, true
	}
	if o.TargetPrice == nil {
		return "", false
	}
	target := *o.TargetPrice
	reached := o.CurrentPrice >= target
	if o.Side == models.OrderSideSell {
		reached = o.CurrentPrice <= target
	}
	if reached && CheckLiquidity(o.Side.Opposite(), target, o.Size, snapshot) {
		return models.ExitReasonTargetPrice, true
	}
	return "", false
}

// CloseOrderManually closes an open order at the current mid price. Closing
// an order that is no longer open returns ErrOrderNotFound.
func (e *Engine) CloseOrderManually(id string) (models.SimulatedOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i, o := range e.open {
		if o.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.SimulatedOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}

	o := e.open[idx]
	exit := o.CurrentPrice
	if e.latest != nil && e.latest.ProductID == o.ProductID {
		if mid, ok := e.latest.MidPrice(); ok {
			exit = mid
		}
	}
	e.open = append(e.open[:idx], e.open[idx+1:]...)
	closed := e.closeLocked(o, exit, models.ExitReasonManual, e.now())
	e.saveLocked()
	return closed, nil
}

func (e *Engine) closeLocked(o models.SimulatedOrder, exit float64, reason models.ExitReason, at time.Time) models.SimulatedOrder {
	o.CurrentPrice = exit
	o.PnL = CalculatePnL(o.Side, o.EntryPrice, exit, o.Size, e.feeRateLocked())
	o.Status = models.SimulationStatusClosed
	o.ClosedAt = &at
	o.ExitPrice = &exit
	o.ExitReason = &reason
	e.closed = append(e.closed, o)
	e.recordLocked(o)

	e.logger.WithFields(logrus.Fields{
		"order_id":    o.ID,
		"exit_reason": reason,
		"exit_price":  exit,
		"pnl":         o.PnL,
	}).Info("Simulated order closed")
	return o
}

func (e *Engine) recordLocked(o models.SimulatedOrder) {
	record := func(p models.AlgorithmPerformance) models.AlgorithmPerformance {
		p.TotalOrders++
		switch {
		case o.PnL > 0:
			p.WinningTrades++
		case o.PnL < 0:
			p.LosingTrades++
		}
		p.TotalPnL += o.PnL
		return p
	}

	e.metrics.AlgorithmPerformance = record(e.metrics.AlgorithmPerformance)
	e.metrics.ByAlgorithm[o.AlgorithmID] = record(e.metrics.ByAlgorithm[o.AlgorithmID])
	e.metrics.History = append(e.metrics.History, models.PnLPoint{
		Date:        *o.ClosedAt,
		PnL:         o.PnL,
		AlgorithmID: o.AlgorithmID,
	})
	if n := len(e.metrics.History); n > maxHistory {
		e.metrics.History = append([]models.PnLPoint(nil), e.metrics.History[n-maxHistory:]...)
	}
}

func (e *Engine) feeRateLocked() float64 {
	if e.feeTier == nil {
		return 0
	}
	return e.feeTier.TakerRate
}

func (e *Engine) saveLocked() {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := e.store.Save(ctx, e.stateLocked()); err != nil {
		e.logger.WithError(err).Error("Failed to save simulation state")
	}
}

func (e *Engine) stateLocked() models.SimulationState {
	return models.SimulationState{
		OpenOrders:   append([]models.SimulatedOrder(nil), e.open...),
		ClosedOrders: append([]models.SimulatedOrder(nil), e.closed...),
		Metrics:      e.metrics.Clone(),
	}
}

func (e *Engine) OpenOrders() []models.SimulatedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.SimulatedOrder(nil), e.open...)
}

func (e *Engine) ClosedOrders() []models.SimulatedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.SimulatedOrder(nil), e.closed...)
}

func (e *Engine) Metrics() models.PerformanceMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.Clone()
}

// Reset clears persisted state first and memory second. If the store cannot
// be cleared nothing changes.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear simulation state: %w", err)
		}
	}
	e.open = nil
	e.closed = nil
	e.admitted = make(map[string]struct{})
	e.metrics = models.NewPerformanceMetrics()
	e.logger.Info("Simulation reset")
	return nil
}
