package signals

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	VelocityID   = "velocity"
	VelocityName = "Liquidity Sweep Velocity"
)

func DefaultVelocityConfig() models.AlgorithmConfiguration {
	return models.AlgorithmConfiguration{
		Enabled:       true,
		MinConfidence: 0.6,
		MinOrderSize:  0.0001,
		MaxOrderSize:  1,
		CustomParameters: map[string]float64{
			"buySweepThreshold":  2.0,
			"sellSweepThreshold": -2.0,
			"levelWeight":        0.5,
			"liquidityWeight":    0.5,
			"confidenceScale":    0.1,
			"maxSizePercent":     0.1,
			"depth":              10,
		},
	}
}

// Velocity measures how fast resting liquidity near the top of book is
// consumed between consecutive snapshots. Asks being eaten is buy pressure,
// bids being eaten is sell pressure.
type Velocity struct {
	*base

	mu   sync.Mutex
	prev *models.MarketSnapshot
}

func NewVelocity(cfg models.AlgorithmConfiguration) *Velocity {
	return &Velocity{base: newBase(VelocityID, VelocityName, cfg)}
}

// Calculate returns buy pressure minus sell pressure in units per second.
// The first snapshot for a product only seeds the history.
func (a *Velocity) Calculate(snapshot models.MarketSnapshot) (float64, bool) {
	a.mu.Lock()
	prev := a.prev
	cur := snapshot
	a.prev = &cur
	a.mu.Unlock()

	if prev == nil || prev.ProductID != snapshot.ProductID {
		return 0, false
	}
	elapsed := snapshot.CapturedAt.Sub(prev.CapturedAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}

	cfg := a.Config()
	depth := int(cfg.Param("depth", 10))
	levelWeight := cfg.Param("levelWeight", 0.5)
	liquidityWeight := cfg.Param("liquidityWeight", 0.5)

	askLevels, askLiquidity := consumption(prev.Offers, snapshot.Offers, depth)
	bidLevels, bidLiquidity := consumption(prev.Bids, snapshot.Bids, depth)

	buyPressure := levelWeight*askLevels/elapsed + liquidityWeight*askLiquidity/elapsed
	sellPressure := levelWeight*bidLevels/elapsed + liquidityWeight*bidLiquidity/elapsed
	return buyPressure - sellPressure, true
}

// consumption counts top-of-book levels that vanished between prev and cur
// and sums the quantity removed from vanished and shrunken levels.
func consumption(prev, cur []models.PriceLevel, depth int) (levels, liquidity float64) {
	prev = top(prev, depth)
	current := make(map[models.LevelKey]decimal.Decimal, depth)
	for _, l := range top(cur, depth) {
		current[l.Key()] = l.Quantity
	}

	removed := decimal.Zero
	for _, p := range prev {
		q, ok := current[p.Key()]
		if !ok {
			levels++
			removed = removed.Add(p.Quantity)
			continue
		}
		if q.LessThan(p.Quantity) {
			removed = removed.Add(p.Quantity.Sub(q))
		}
	}
	return levels, removed.InexactFloat64()
}

func top(levels []models.PriceLevel, depth int) []models.PriceLevel {
	if depth > 0 && len(levels) > depth {
		return levels[:depth]
	}
	return levels
}

func (a *Velocity) GenerateSuggestions(metric float64, snapshot models.MarketSnapshot, productID string) []models.Suggestion {
	cfg := a.Config()
	buyThreshold := cfg.Param("buySweepThreshold", 2.0)
	sellThreshold := cfg.Param("sellSweepThreshold", -2.0)
	scale := cfg.Param("confidenceScale", 0.1)

	var side models.OrderSide
	var threshold float64
	switch {
	case metric > buyThreshold:
		side, threshold = models.OrderSideBuy, buyThreshold
	case metric < sellThreshold:
		side, threshold = models.OrderSideSell, sellThreshold
	default:
		return a.ActiveSuggestions()
	}

	confidence := math.Min(0.95, 0.5+(math.Abs(metric)-math.Abs(threshold))*scale)
	if confidence < cfg.MinConfidence {
		return a.ActiveSuggestions()
	}
	if s, ok := a.build(side, metric, confidence, threshold, snapshot, productID, cfg); ok {
		a.UpdateActiveSuggestion(s)
	}
	return a.ActiveSuggestions()
}

func (a *Velocity) build(side models.OrderSide, metric, confidence, threshold float64,
	snapshot models.MarketSnapshot, productID string, cfg models.AlgorithmConfiguration) (models.Suggestion, bool) {

	bid, ok := snapshot.BestBid()
	if !ok {
		return models.Suggestion{}, false
	}
	opposite := bid
	if side == models.OrderSideBuy {
		if opposite, ok = snapshot.BestOffer(); !ok {
			return models.Suggestion{}, false
		}
	}

	raw := opposite.Quantity.InexactFloat64() * cfg.Param("maxSizePercent", 0.1)
	if raw <= 0 {
		return models.Suggestion{}, false
	}
	size := cfg.ClampSize(raw)
	price := bid.Price.InexactFloat64()
	target := price * (1 + metric*0.001)
	window := time.Minute + time.Duration(normalizedConfidence(confidence)*float64(4*time.Minute))

	s := a.newSuggestion(side, productID, snapshot.CapturedAt)
	s.Price = price
	s.Size = size
	s.Confidence = confidence
	s.Reasoning = fmt.Sprintf("Liquidity sweep velocity %.2f/s crossed %.2f", metric, threshold)
	s.TriggeringMetricValue = ptr(metric)
	s.TargetCloseTime = ptr(s.CreatedAt.Add(window))
	s.TargetPrice = ptr(target)
	s.GoalPnL = ptr(math.Abs(target-price) * size)
	return s, true
}

func (a *Velocity) Reset() {
	a.mu.Lock()
	a.prev = nil
	a.mu.Unlock()
	a.clearActive()
}
