// Package execution places and tracks real orders with the brokerage.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/flowsignal/pkg/coinbase"
	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 5 * time.Minute

	journalTimeout = 5 * time.Second
)

var (
	ErrCancelFailed = errors.New("cancel failed")
	ErrNoRefresh    = errors.New("no credential refresh configured")
)

// Brokerage is the subset of the brokerage API the gateway drives.
type Brokerage interface {
	CreateOrder(ctx context.Context, req models.OrderRequest) (coinbase.CreateOrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (models.RealOrder, error)
	ListOrders(ctx context.Context, productID string, limit int) ([]models.RealOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelOrders(ctx context.Context, orderIDs []string) ([]coinbase.CancelResult, error)
}

// RefreshFunc obtains a fresh credential. Concurrent callers must share one
// in-flight refresh.
type RefreshFunc func(ctx context.Context) error

// Journal records every local order mutation.
type Journal interface {
	Record(ctx context.Context, order models.RealOrder) error
}

// PartialCancelError reports a batch cancel where some ids were canceled and
// some were not. The successful cancellations have already been applied.
type PartialCancelError struct {
	Canceled []string
	Failed   map[string]string
}

func (e *PartialCancelError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("canceled %d orders, failed to cancel %d: %s", len(e.Canceled), len(e.Failed), strings.Join(ids, ", "))
}

type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type Gateway struct {
	broker  Brokerage
	refresh RefreshFunc
	journal Journal
	cfg     Config
	logger  *logrus.Entry
	now     func() time.Time

	mu     sync.RWMutex
	orders map[string]models.RealOrder
	polls  map[string]*poller
	wg     sync.WaitGroup
}

type poller struct {
	cancel context.CancelFunc
}

// NewGateway builds a gateway. refresh and journal may be nil.
func NewGateway(broker Brokerage, refresh RefreshFunc, journal Journal, cfg Config, logger *logrus.Logger) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Gateway{
		broker:  broker,
		refresh: refresh,
		journal: journal,
		cfg:     cfg,
		logger:  logger.WithField("component", "execution"),
		now:     time.Now,
		orders:  make(map[string]models.RealOrder),
		polls:   make(map[string]*poller),
	}
}

// Submit places req. An auth failure triggers one credential refresh and one
// retry. If the follow-up detail fetch is forbidden the order is returned as
// pending and marked polling-restricted.
func (g *Gateway) Submit(ctx context.Context, req models.OrderRequest) (models.RealOrder, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = models.OrderSourceManual
	}
	log := g.logger.WithFields(logrus.Fields{
		"product_id":      req.ProductID,
		"side":            req.Side,
		"type":            req.Type,
		"client_order_id": req.ClientOrderID,
	})

	var resp coinbase.CreateOrderResponse
	err := g.withAuthRetry(ctx, "create order", func() error {
		var err error
		resp, err = g.broker.CreateOrder(ctx, req)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Failed to submit order")
		return models.RealOrder{}, fmt.Errorf("failed to submit order: %w", err)
	}

	id := resp.OrderID()
	order, restricted := g.fetchDetail(ctx, id, req)
	order.Source = req.Source
	order.SuggestionID = req.SuggestionID
	if order.ClientOrderID == "" {
		order.ClientOrderID = req.ClientOrderID
	}
	order.PollingRestricted = restricted

	g.mu.Lock()
	g.orders[order.ID] = order
	g.mu.Unlock()
	g.record(order)

	log.WithFields(logrus.Fields{
		"order_id":           order.ID,
		"status":             order.Status,
		"polling_restricted": restricted,
	}).Info("Order submitted")

	if !restricted && !order.Status.IsTerminal() {
		g.startPolling(order.ID)
	}
	return order, nil
}

// SubmitSuggestion places a post-only GTC limit order for s.
func (g *Gateway) SubmitSuggestion(ctx context.Context, s models.Suggestion) (models.RealOrder, error) {
	price := decimal.NewFromFloat(s.Price)
	size := decimal.NewFromFloat(s.Size).Round(8)
	return g.Submit(ctx, models.OrderRequest{
		ProductID:    s.ProductID,
		Side:         s.Side,
		Type:         models.OrderTypeLimit,
		Price:        &price,
		Size:         &size,
		TimeInForce:  models.TimeInForceGTC,
		PostOnly:     true,
		Source:       models.OrderSourceSuggestion,
		SuggestionID: s.ID,
	})
}

func (g *Gateway) fetchDetail(ctx context.Context, id string, req models.OrderRequest) (models.RealOrder, bool) {
	log := g.logger.WithField("order_id", id)

	order, err := g.broker.GetOrder(ctx, id)
	if coinbase.IsUnauthorized(err) {
		if rerr := g.refreshCredential(ctx); rerr != nil {
			log.WithError(rerr).Warn("Credential refresh failed during order detail fetch")
		} else {
			order, err = g.broker.GetOrder(ctx, id)
		}
	}

	switch {
	case err == nil:
		return order, false
	case coinbase.IsPermissionError(err):
		log.WithError(err).Warn("Order detail forbidden, tracking as polling-restricted")
		return g.pendingFromRequest(id, req), true
	default:
		log.WithError(err).Warn("Order detail unavailable, tracking as pending")
		return g.pendingFromRequest(id, req), false
	}
}

func (g *Gateway) pendingFromRequest(id string, req models.OrderRequest) models.RealOrder {
	now := g.now()
	return models.RealOrder{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		ProductID:     req.ProductID,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderStatusPending,
		Price:         req.Price,
		Size:          req.Size,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		PostOnly:      req.PostOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (g *Gateway) withAuthRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if !coinbase.IsAuthError(err) {
		return err
	}

	g.logger.WithError(err).WithField("operation", op).Warn("Authentication rejected, refreshing credential")
	if rerr := g.refreshCredential(ctx); rerr != nil {
		return fmt.Errorf("credential refresh failed (%v): %w", rerr, err)
	}
	return fn()
}

func (g *Gateway) refreshCredential(ctx context.Context) error {
	if g.refresh == nil {
		return ErrNoRefresh
	}
	return g.refresh(ctx)
}

func (g *Gateway) startPolling(id string) {
	g.mu.Lock()
	if _, ok := g.polls[id]; ok {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PollTimeout)
	p := &poller{cancel: cancel}
	g.polls[id] = p
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer g.finishPolling(id, p)
		g.poll(ctx, id)
	}()
}

func (g *Gateway) finishPolling(id string, p *poller) {
	p.cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.polls[id] == p {
		delete(g.polls, id)
	}
}

func (g *Gateway) poll(ctx context.Context, id string) {
	log := g.logger.WithField("order_id", id)
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Info("Stopped polling order after maximum duration")
			}
			return
		case <-ticker.C:
		}

		order, err := g.broker.GetOrder(ctx, id)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case coinbase.IsPermissionError(err):
				log.WithError(err).Warn("Order polling forbidden, marking restricted")
				g.markRestricted(id)
				return
			case coinbase.IsUnauthorized(err):
				if rerr := g.refreshCredential(ctx); rerr != nil {
					log.WithError(rerr).Warn("Credential refresh failed while polling")
				}
			default:
				log.WithError(err).Warn("Failed to poll order")
			}
			continue
		}

		if g.applyUpdate(order) {
			return
		}
	}
}

// applyUpdate merges a fetched order into local state and reports whether
// polling should stop. Local terminal states never regress.
func (g *Gateway) applyUpdate(fetched models.RealOrder) bool {
	g.mu.Lock()
	cur, ok := g.orders[fetched.ID]
	if !ok || cur.Status.IsTerminal() {
		g.mu.Unlock()
		return true
	}
	if cur.Status == fetched.Status && cur.FilledSize.Equal(fetched.FilledSize) {
		g.mu.Unlock()
		return false
	}

	merged := mergeOrder(cur, fetched, g.now())
	g.orders[merged.ID] = merged
	g.mu.Unlock()
	g.record(merged)

	g.logger.WithFields(logrus.Fields{
		"order_id":    merged.ID,
		"status":      merged.Status,
		"filled_size": merged.FilledSize.String(),
	}).Info("Order updated")
	return merged.Status.IsTerminal()
}

func mergeOrder(cur, fetched models.RealOrder, now time.Time) models.RealOrder {
	fetched.Source = cur.Source
	fetched.SuggestionID = cur.SuggestionID
	fetched.PollingRestricted = cur.PollingRestricted
	if fetched.ClientOrderID == "" {
		fetched.ClientOrderID = cur.ClientOrderID
	}
	if fetched.CreatedAt.IsZero() {
		fetched.CreatedAt = cur.CreatedAt
	}
	fetched.UpdatedAt = now
	return fetched
}

func (g *Gateway) markRestricted(id string) {
	g.mu.Lock()
	order, ok := g.orders[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	order.PollingRestricted = true
	order.UpdatedAt = g.now()
	g.orders[id] = order
	g.mu.Unlock()
	g.record(order)
}

// StopPolling cancels polling for id, if any.
func (g *Gateway) StopPolling(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.polls[id]; ok {
		p.cancel()
		delete(g.polls, id)
	}
}

// StopAll cancels every poller and waits for them to exit.
func (g *Gateway) StopAll() {
	g.mu.Lock()
	for id, p := range g.polls {
		p.cancel()
		delete(g.polls, id)
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// IsPolling reports whether id has an active poller.
func (g *Gateway) IsPolling(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.polls[id]
	return ok
}

// Cancel cancels one order, falling back to a one-element batch cancel when
// the single cancel fails.
func (g *Gateway) Cancel(ctx context.Context, id string) (models.RealOrder, error) {
	log := g.logger.WithField("order_id", id)

	err := g.withAuthRetry(ctx, "cancel order", func() error {
		return g.broker.CancelOrder(ctx, id)
	})
	if err != nil {
		log.WithError(err).Warn("Single cancel failed, falling back to batch cancel")

		var results []coinbase.CancelResult
		berr := g.withAuthRetry(ctx, "batch cancel", func() error {
			var err error
			results, err = g.broker.CancelOrders(ctx, []string{id})
			return err
		})
		if berr != nil {
			return models.RealOrder{}, fmt.Errorf("%w: %s: %w", ErrCancelFailed, id, berr)
		}
		if len(results) == 0 || !results[0].Success {
			reason := "no result"
			if len(results) > 0 {
				reason = results[0].FailureReason
			}
			return models.RealOrder{}, fmt.Errorf("%w: %s: %s", ErrCancelFailed, id, reason)
		}
	}

	g.StopPolling(id)
	order := g.markCanceled(id)
	log.Info("Order canceled")
	return order, nil
}

// BatchCancel cancels ids in one request. When every id fails it returns an
// error wrapping ErrCancelFailed; when only some fail it returns the
// canceled ids together with a *PartialCancelError.
func (g *Gateway) BatchCancel(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var results []coinbase.CancelResult
	err := g.withAuthRetry(ctx, "batch cancel", func() error {
		var err error
		results, err = g.broker.CancelOrders(ctx, ids)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelFailed, err)
	}

	byID := make(map[string]coinbase.CancelResult, len(results))
	for _, r := range results {
		byID[r.OrderID] = r
	}

	var canceled []string
	failed := make(map[string]string)
	for _, id := range ids {
		r, ok := byID[id]
		switch {
		case !ok:
			failed[id] = "no result"
		case !r.Success:
			failed[id] = r.FailureReason
		default:
			g.StopPolling(id)
			g.markCanceled(id)
			canceled = append(canceled, id)
		}
	}

	log := g.logger.WithFields(logrus.Fields{"canceled": len(canceled), "failed": len(failed)})
	switch {
	case len(canceled) == 0:
		log.Error("Batch cancel failed for every order")
		return nil, fmt.Errorf("%w: all %d orders", ErrCancelFailed, len(ids))
	case len(failed) > 0:
		log.Warn("Batch cancel partially failed")
		return canceled, &PartialCancelError{Canceled: canceled, Failed: failed}
	}
	log.Info("Batch cancel complete")
	return canceled, nil
}

func (g *Gateway) markCanceled(id string) models.RealOrder {
	g.mu.Lock()
	order, ok := g.orders[id]
	if !ok {
		g.mu.Unlock()
		return models.RealOrder{ID: id, Status: models.OrderStatusCanceled}
	}
	if order.Status.IsTerminal() {
		g.mu.Unlock()
		return order
	}
	order.Status = models.OrderStatusCanceled
	order.UpdatedAt = g.now()
	g.orders[id] = order
	g.mu.Unlock()
	g.record(order)
	return order
}

// SyncOrders pulls recent orders from the brokerage into local state and
// starts polling any that are still live.
func (g *Gateway) SyncOrders(ctx context.Context, productID string, limit int) ([]models.RealOrder, error) {
	var fetched []models.RealOrder
	err := g.withAuthRetry(ctx, "list orders", func() error {
		var err error
		fetched, err = g.broker.ListOrders(ctx, productID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sync orders: %w", err)
	}

	var live []string
	for _, o := range fetched {
		g.mu.Lock()
		cur, known := g.orders[o.ID]
		switch {
		case known && cur.Status.IsTerminal():
			g.mu.Unlock()
			continue
		case known:
			o = mergeOrder(cur, o, g.now())
		case o.Source == "":
			o.Source = models.OrderSourceManual
		}
		g.orders[o.ID] = o
		g.mu.Unlock()
		g.record(o)

		if !o.Status.IsTerminal() && !o.PollingRestricted {
			live = append(live, o.ID)
		}
	}
	for _, id := range live {
		g.startPolling(id)
	}

	g.logger.WithFields(logrus.Fields{"fetched": len(fetched), "live": len(live)}).Info("Orders synced")
	return g.Orders(), nil
}

func (g *Gateway) Order(id string) (models.RealOrder, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	o, ok := g.orders[id]
	return o, ok
}

// Orders returns every tracked order, newest first.
func (g *Gateway) Orders() []models.RealOrder {
	g.mu.RLock()
	out := make([]models.RealOrder, 0, len(g.orders))
	for _, o := range g.orders {
		out = append(out, o)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (g *Gateway) record(order models.RealOrder) {
	if g.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := g.journal.Record(ctx, order); err != nil {
		g.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to journal order")
	}
}
