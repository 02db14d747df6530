package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type BookSide string

const (
	BookSideBid   BookSide = "bid"
	BookSideOffer BookSide = "offer"
)

// ParseBookSide accepts the feed's side spellings.
func ParseBookSide(s string) (BookSide, error) {
	switch s {
	case "bid", "buy", "BID", "BUY":
		return BookSideBid, nil
	case "offer", "ask", "sell", "OFFER", "ASK", "SELL":
		return BookSideOffer, nil
	default:
		return "", fmt.Errorf("unknown book side %q", s)
	}
}

// PriceLevel is an aggregate resting quantity at one price on one side.
// A zero quantity means the level should be removed.
type PriceLevel struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      BookSide        `json:"side"`
	EventTime string          `json:"event_time,omitempty"`
}

// LevelKey identifies a price level; quantity is not part of identity.
type LevelKey struct {
	Price string
	Side  BookSide
}

func (l PriceLevel) Key() LevelKey {
	return LevelKey{Price: l.Price.String(), Side: l.Side}
}

func (l PriceLevel) Equal(o PriceLevel) bool {
	return l.Side == o.Side && l.Price.Equal(o.Price) && l.Quantity.Equal(o.Quantity) && l.EventTime == o.EventTime
}

// MarketSnapshot is an immutable view of one product's book produced by a
// single reduction step. Bids are descending by price, offers ascending.
type MarketSnapshot struct {
	ProductID     string       `json:"product_id"`
	Bids          []PriceLevel `json:"bids"`
	Offers        []PriceLevel `json:"offers"`
	CapturedAt    time.Time    `json:"captured_at"`
	FeedLatencyMs int64        `json:"feed_latency_ms"`
}

func (s MarketSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

func (s MarketSnapshot) BestOffer() (PriceLevel, bool) {
	if len(s.Offers) == 0 {
		return PriceLevel{}, false
	}
	return s.Offers[0], true
}

// MidPrice averages the best bid and offer, falls back to whichever side
// exists, and reports false for an empty book.
func (s MarketSnapshot) MidPrice() (float64, bool) {
	bid, hasBid := s.BestBid()
	offer, hasOffer := s.BestOffer()
	switch {
	case hasBid && hasOffer:
		return bid.Price.Add(offer.Price).Div(decimal.NewFromInt(2)).InexactFloat64(), true
	case hasBid:
		return bid.Price.InexactFloat64(), true
	case hasOffer:
		return offer.Price.InexactFloat64(), true
	default:
		return 0, false
	}
}

func (s MarketSnapshot) IsEmpty() bool {
	return len(s.Bids) == 0 && len(s.Offers) == 0
}

// TotalQuantity sums quantity over the first depth levels (all when depth <= 0).
func TotalQuantity(levels []PriceLevel, depth int) float64 {
	if depth <= 0 || depth > len(levels) {
		depth = len(levels)
	}
	total := decimal.Zero
	for _, l := range levels[:depth] {
		total = total.Add(l.Quantity)
	}
	return total.InexactFloat64()
}

type FeeTier struct {
	PricingTier string  `json:"pricing_tier,omitempty"`
	MakerRate   float64 `json:"maker_rate"`
	TakerRate   float64 `json:"taker_rate"`
}
