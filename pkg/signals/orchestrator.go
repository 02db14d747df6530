package signals

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// Result is the outcome of one snapshot: every visible suggestion, newest
// first, and the subset that was not visible before this snapshot.
type Result struct {
	All []models.Suggestion
	New []models.Suggestion
}

// Orchestrator owns the algorithm registry and the visible suggestion list.
type Orchestrator struct {
	logger *logrus.Entry
	now    func() time.Time

	// process serializes ProcessSnapshot so each algorithm sees snapshots in order.
	process sync.Mutex

	mu          sync.RWMutex
	product     string
	algorithms  map[string]Algorithm
	order       []string
	suggestions []models.Suggestion
	metrics     map[string]float64
}

func NewOrchestrator(logger *logrus.Logger, algorithms ...Algorithm) *Orchestrator {
	o := &Orchestrator{
		logger:     logger.WithField("component", "signal_orchestrator"),
		now:        time.Now,
		algorithms: make(map[string]Algorithm),
		metrics:    make(map[string]float64),
	}
	for _, a := range algorithms {
		o.Register(a)
	}
	return o
}

// Register adds an algorithm, replacing any existing one with the same ID.
func (o *Orchestrator) Register(a Algorithm) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.algorithms[a.ID()]; !exists {
		o.order = append(o.order, a.ID())
	}
	o.algorithms[a.ID()] = a
}

// Algorithms returns the registered algorithms in registration order.
func (o *Orchestrator) Algorithms() []Algorithm {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Algorithm, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.algorithms[id])
	}
	return out
}

func (o *Orchestrator) Algorithm(id string) (Algorithm, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.algorithms[id]
	return a, ok
}

func (o *Orchestrator) Configure(id string, cfg models.AlgorithmConfiguration) error {
	a, ok := o.Algorithm(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, id)
	}
	a.SetConfig(cfg)
	o.logger.WithField("algorithm_id", id).Info("Algorithm reconfigured")
	return nil
}

// SetEnabled toggles an algorithm. Disabling it drops its state and
// suggestions immediately.
func (o *Orchestrator) SetEnabled(id string, enabled bool) error {
	a, ok := o.Algorithm(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, id)
	}
	cfg := a.Config()
	cfg.Enabled = enabled
	a.SetConfig(cfg)
	if enabled {
		return nil
	}

	o.process.Lock()
	defer o.process.Unlock()

	a.Reset()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suggestions = filter(o.suggestions, func(s models.Suggestion) bool { return s.AlgorithmID != id })
	delete(o.metrics, id)
	return nil
}

// ProcessSnapshot runs every enabled algorithm against snapshot and
// reconciles their active suggestions into the visible list. A failing
// algorithm is logged and contributes only its existing active suggestions.
// Once an active product is set, snapshots for any other product leave the
// state untouched.
func (o *Orchestrator) ProcessSnapshot(ctx context.Context, snapshot models.MarketSnapshot, productID string) Result {
	o.process.Lock()
	defer o.process.Unlock()

	if current := o.ActiveProduct(); current != "" && (productID != current || (snapshot.ProductID != "" && snapshot.ProductID != current)) {
		o.logger.WithFields(logrus.Fields{
			"active_product":   current,
			"snapshot_product": snapshot.ProductID,
		}).Debug("Dropping snapshot for inactive product")
		return Result{All: o.Suggestions()}
	}

	algorithms := o.Algorithms()
	active := make([][]models.Suggestion, len(algorithms))
	metrics := make([]*float64, len(algorithms))

	g, _ := errgroup.WithContext(ctx)
	for i, a := range algorithms {
		if !a.Config().Enabled {
			continue
		}
		i, a := i, a
		g.Go(func() error {
			metric, suggestions, err := o.run(a, snapshot, productID)
			if err != nil {
				o.logger.WithError(err).WithField("algorithm_id", a.ID()).Error("Algorithm failed")
				active[i] = a.ActiveSuggestions()
				return nil
			}
			metrics[i] = metric
			active[i] = suggestions
			return nil
		})
	}
	_ = g.Wait()

	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()

	known := make(map[string]struct{}, len(o.suggestions))
	for _, s := range o.suggestions {
		known[s.ID] = struct{}{}
	}

	var all, fresh []models.Suggestion
	for i, a := range algorithms {
		if metrics[i] != nil {
			o.metrics[a.ID()] = *metrics[i]
		}
		for _, s := range active[i] {
			if s.IsExpired(now) {
				a.RemoveActiveSuggestionByID(s.ID)
				continue
			}
			all = append(all, s)
			if _, ok := known[s.ID]; !ok {
				fresh = append(fresh, s)
			}
		}
	}
	sortNewestFirst(all)
	sortNewestFirst(fresh)
	o.suggestions = all

	return Result{All: clone(all), New: fresh}
}

func (o *Orchestrator) run(a Algorithm, snapshot models.MarketSnapshot, productID string) (metric *float64, suggestions []models.Suggestion, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("algorithm %s panicked: %v", a.ID(), r)
		}
	}()

	value, ok := a.Calculate(snapshot)
	if !ok {
		return nil, a.ActiveSuggestions(), nil
	}
	return &value, a.GenerateSuggestions(value, snapshot, productID), nil
}

// Suggestions returns the visible suggestions, newest first.
func (o *Orchestrator) Suggestions() []models.Suggestion {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return clone(o.suggestions)
}

func (o *Orchestrator) Suggestion(id string) (models.Suggestion, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.suggestions {
		if s.ID == id {
			return s, true
		}
	}
	return models.Suggestion{}, false
}

// Metrics returns the last metric each algorithm produced.
func (o *Orchestrator) Metrics() map[string]float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]float64, len(o.metrics))
	for k, v := range o.metrics {
		out[k] = v
	}
	return out
}

// ExpiredSuggestions returns visible suggestions whose target close time has
// passed. Suggestions without a target time never expire.
func (o *Orchestrator) ExpiredSuggestions() []models.Suggestion {
	now := o.now()
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []models.Suggestion
	for _, s := range o.suggestions {
		if s.IsExpired(now) {
			out = append(out, s)
		}
	}
	return out
}

// RemoveExpiredSuggestions drops expired suggestions from the visible list and
// from their algorithms' active slots.
func (o *Orchestrator) RemoveExpiredSuggestions() []models.Suggestion {
	o.process.Lock()
	defer o.process.Unlock()

	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()

	var expired []models.Suggestion
	kept := o.suggestions[:0:0]
	for _, s := range o.suggestions {
		if !s.IsExpired(now) {
			kept = append(kept, s)
			continue
		}
		expired = append(expired, s)
		if a, ok := o.algorithms[s.AlgorithmID]; ok {
			a.RemoveActiveSuggestionByID(s.ID)
		}
	}
	o.suggestions = kept

	if len(expired) > 0 {
		o.logger.WithField("count", len(expired)).Debug("Expired suggestions removed")
	}
	return expired
}

// ActiveProduct is the product set by the last Reset. Empty accepts any product.
func (o *Orchestrator) ActiveProduct() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.product
}

// Reset clears every algorithm and the visible list and makes productID the
// only product whose snapshots are processed. Used on product switch.
func (o *Orchestrator) Reset(productID string) {
	o.process.Lock()
	defer o.process.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.product = productID
	for _, a := range o.algorithms {
		a.Reset()
	}
	o.suggestions = nil
	o.metrics = make(map[string]float64)
}

func sortNewestFirst(s []models.Suggestion) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].CreatedAt.After(s[j].CreatedAt)
	})
}

func clone(s []models.Suggestion) []models.Suggestion {
	return append([]models.Suggestion(nil), s...)
}

func filter(s []models.Suggestion, keep func(models.Suggestion) bool) []models.Suggestion {
	out := s[:0:0]
	for _, v := range s {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}
