// Package signals turns market snapshots into trade suggestions.
package signals

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/flowsignal/pkg/models"
)

// Algorithm is one pluggable signal generator. Implementations keep their
// own rolling history and at most one active suggestion per side.
type Algorithm interface {
	ID() string
	Name() string
	Config() models.AlgorithmConfiguration
	SetConfig(cfg models.AlgorithmConfiguration)

	// Calculate returns the algorithm's metric for snapshot, or false when
	// there is not enough history to compute one.
	Calculate(snapshot models.MarketSnapshot) (float64, bool)
	// GenerateSuggestions updates the active set from metric and returns it.
	GenerateSuggestions(metric float64, snapshot models.MarketSnapshot, productID string) []models.Suggestion

	ActiveSuggestion(side models.OrderSide) (models.Suggestion, bool)
	SetActiveSuggestion(s models.Suggestion)
	UpdateActiveSuggestion(s models.Suggestion)
	RemoveActiveSuggestion(side models.OrderSide)
	RemoveActiveSuggestionByID(id string) bool
	ActiveSuggestions() []models.Suggestion

	Reset()
}

// base carries identity, configuration and the active-suggestion slots
// shared by every algorithm.
type base struct {
	id   string
	name string

	cfgMu sync.RWMutex
	cfg   models.AlgorithmConfiguration

	activeMu sync.RWMutex
	active   map[models.OrderSide]models.Suggestion
}

func newBase(id, name string, cfg models.AlgorithmConfiguration) *base {
	return &base{
		id:     id,
		name:   name,
		cfg:    cfg.Clone(),
		active: make(map[models.OrderSide]models.Suggestion),
	}
}

func (b *base) ID() string   { return b.id }
func (b *base) Name() string { return b.name }

func (b *base) Config() models.AlgorithmConfiguration {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg.Clone()
}

func (b *base) SetConfig(cfg models.AlgorithmConfiguration) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	b.cfg = cfg.Clone()
}

func (b *base) ActiveSuggestion(side models.OrderSide) (models.Suggestion, bool) {
	b.activeMu.RLock()
	defer b.activeMu.RUnlock()
	s, ok := b.active[side]
	return s, ok
}

func (b *base) SetActiveSuggestion(s models.Suggestion) {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	b.active[s.Side] = s
}

// UpdateActiveSuggestion replaces the suggestion for s.Side, keeping the
// existing ID and CreatedAt. With no existing suggestion it behaves like Set.
func (b *base) UpdateActiveSuggestion(s models.Suggestion) {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	if cur, ok := b.active[s.Side]; ok {
		s.ID = cur.ID
		s.CreatedAt = cur.CreatedAt
	}
	b.active[s.Side] = s
}

func (b *base) RemoveActiveSuggestion(side models.OrderSide) {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	delete(b.active, side)
}

func (b *base) RemoveActiveSuggestionByID(id string) bool {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	for side, s := range b.active {
		if s.ID == id {
			delete(b.active, side)
			return true
		}
	}
	return false
}

// ActiveSuggestions returns the active suggestions, buy side first.
func (b *base) ActiveSuggestions() []models.Suggestion {
	b.activeMu.RLock()
	defer b.activeMu.RUnlock()
	out := make([]models.Suggestion, 0, len(b.active))
	for _, s := range b.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Side < out[j].Side })
	return out
}

func (b *base) clearActive() {
	b.activeMu.Lock()
	defer b.activeMu.Unlock()
	b.active = make(map[models.OrderSide]models.Suggestion)
}

func (b *base) newSuggestion(side models.OrderSide, productID string, at time.Time) models.Suggestion {
	if at.IsZero() {
		at = time.Now()
	}
	return models.Suggestion{
		ID:            uuid.NewString(),
		AlgorithmID:   b.id,
		AlgorithmName: b.name,
		Side:          side,
		ProductID:     productID,
		CreatedAt:     at,
	}
}

// normalizedConfidence maps [0.5, 0.95] onto [0, 1].
func normalizedConfidence(c float64) float64 {
	n := (c - 0.5) / 0.45
	switch {
	case n < 0:
		return 0
	case n > 1:
		return 1
	}
	return n
}

func ptr[T any](v T) *T {
	return &v
}
