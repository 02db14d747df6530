package signals

import (
	"fmt"
	"math"
	"time"

	"github.com/gregtusar/flowsignal/pkg/models"
)

const (
	ImbalanceID   = "imbalance"
	ImbalanceName = "Order Book Imbalance"
)

// DefaultImbalanceConfig returns the configuration the imbalance algorithm
// starts with when nothing else is configured.
func DefaultImbalanceConfig() models.AlgorithmConfiguration {
	return models.AlgorithmConfiguration{
		Enabled:       true,
		MinConfidence: 0.6,
		MinOrderSize:  0.0001,
		MaxOrderSize:  1,
		CustomParameters: map[string]float64{
			"buyThreshold":   1.5,
			"sellThreshold":  0.67,
			"maxSizePercent": 0.1,
		},
	}
}

// Imbalance compares resting bid volume to resting ask volume. A ratio above
// buyThreshold suggests a buy, below sellThreshold a sell.
type Imbalance struct {
	*base
}

func NewImbalance(cfg models.AlgorithmConfiguration) *Imbalance {
	return &Imbalance{base: newBase(ImbalanceID, ImbalanceName, cfg)}
}

func (a *Imbalance) Calculate(snapshot models.MarketSnapshot) (float64, bool) {
	ask := models.TotalQuantity(snapshot.Offers, 0)
	if ask == 0 {
		return 0, false
	}
	return models.TotalQuantity(snapshot.Bids, 0) / ask, true
}

func (a *Imbalance) GenerateSuggestions(metric float64, snapshot models.MarketSnapshot, productID string) []models.Suggestion {
	cfg := a.Config()
	buyThreshold := cfg.Param("buyThreshold", 1.5)
	sellThreshold := cfg.Param("sellThreshold", 0.67)

	if metric > buyThreshold {
		confidence := math.Min(0.95, 0.5+(metric-buyThreshold)*0.3)
		if confidence >= cfg.MinConfidence {
			reason := fmt.Sprintf("Bid volume exceeds ask volume by %s (ratio %.2f > %.2f)",
				FormatImbalance(metric), metric, buyThreshold)
			if s, ok := a.build(models.OrderSideBuy, metric, confidence, reason, snapshot, productID, cfg); ok {
				a.UpdateActiveSuggestion(s)
			}
		}
	}

	if metric < sellThreshold {
		confidence := 0.95
		if metric > 0 {
			confidence = math.Min(0.95, 0.5+(1/metric-1/sellThreshold)*0.3)
		}
		if confidence >= cfg.MinConfidence {
			reason := fmt.Sprintf("Ask volume outweighs bid volume, imbalance %s (ratio %.2f < %.2f)",
				FormatImbalance(metric), metric, sellThreshold)
			if s, ok := a.build(models.OrderSideSell, metric, confidence, reason, snapshot, productID, cfg); ok {
				a.UpdateActiveSuggestion(s)
			}
		}
	}

	return a.ActiveSuggestions()
}

func (a *Imbalance) build(side models.OrderSide, metric, confidence float64, reason string,
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

	n := normalizedConfidence(confidence)
	window := 5*time.Minute + time.Duration(n*float64(10*time.Minute))
	profit := 0.02 + 0.03*n
	target := price * (1 + profit)
	if side == models.OrderSideSell {
		target = price * (1 - profit)
	}

	s := a.newSuggestion(side, productID, snapshot.CapturedAt)
	s.Price = price
	s.Size = size
	s.Confidence = confidence
	s.Reasoning = reason
	s.TriggeringMetricValue = ptr(metric)
	s.TargetCloseTime = ptr(s.CreatedAt.Add(window))
	s.TargetPrice = ptr(target)
	s.GoalPnL = ptr(math.Abs(target-price) * size)
	return s, true
}

func (a *Imbalance) Reset() {
	a.clearActive()
}

// FormatImbalance renders a bid/ask ratio as a signed percentage, so 1.5
// becomes "+50.0%" and 0.5 becomes "-50.0%".
func FormatImbalance(ratio float64) string {
	return fmt.Sprintf("%+.1f%%", (ratio-1)*100)
}
