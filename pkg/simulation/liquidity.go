package simulation

import (
	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	exitDepth         = 5
	exitLiquidityRate = 0.3
)

// CheckLiquidity is the admission gate, also used for target-price exits.
//
// A buy must rest as a maker: price at or below the best bid, with ask
// liquidity in the top five levels of at least 30% of size so the position
// can be exited. A sell needs a single bid at or above price with at least
// size available.
func CheckLiquidity(side models.OrderSide, price, size float64, snapshot models.MarketSnapshot) bool {
	p := decimal.NewFromFloat(price)
	q := decimal.NewFromFloat(size)

	switch side {
	case models.OrderSideBuy:
		bid, ok := snapshot.BestBid()
		if !ok || p.GreaterThan(bid.Price) {
			return false
		}
		return models.TotalQuantity(snapshot.Offers, exitDepth) >= size*exitLiquidityRate
	case models.OrderSideSell:
		for _, l := range snapshot.Bids {
			if l.Price.LessThan(p) {
				break
			}
			if l.Quantity.GreaterThanOrEqual(q) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// CalculatePnL is the directional price move times size, less the fee rate
// applied to both the entry and exit notional.
func CalculatePnL(side models.OrderSide, entry, exit, size, feeRate float64) float64 {
	gross := (exit - entry) * size
	if side == models.OrderSideSell {
		gross = (entry - exit) * size
	}
	fees := (entry*size + exit*size) * feeRate
	return gross - fees
}
