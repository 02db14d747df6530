package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func level(price, qty string, side BookSide) PriceLevel {
	return PriceLevel{Price: decimal.RequireFromString(price), Quantity: decimal.RequireFromString(qty), Side: side}
}

func TestMidPrice(t *testing.T) {
	bid := level("100", "1", BookSideBid)
	offer := level("101", "1", BookSideOffer)

	tests := []struct {
		name   string
		snap   MarketSnapshot
		want   float64
		wantOK bool
	}{
		{"both sides", MarketSnapshot{Bids: []PriceLevel{bid}, Offers: []PriceLevel{offer}}, 100.5, true},
		{"bids only", MarketSnapshot{Bids: []PriceLevel{bid}}, 100, true},
		{"offers only", MarketSnapshot{Offers: []PriceLevel{offer}}, 101, true},
		{"empty", MarketSnapshot{}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.snap.MidPrice()
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("MidPrice() = %v, %v; want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestTotalQuantity(t *testing.T) {
	levels := []PriceLevel{
		level("100", "1.5", BookSideBid),
		level("99", "2", BookSideBid),
		level("98", "3", BookSideBid),
	}
	if got := TotalQuantity(levels, 2); got != 3.5 {
		t.Errorf("depth 2 = %v", got)
	}
	if got := TotalQuantity(levels, 0); got != 6.5 {
		t.Errorf("all levels = %v", got)
	}
	if got := TotalQuantity(levels, 10); got != 6.5 {
		t.Errorf("depth beyond book = %v", got)
	}
}

func TestParseBookSide(t *testing.T) {
	for in, want := range map[string]BookSide{"bid": BookSideBid, "BUY": BookSideBid, "offer": BookSideOffer, "ask": BookSideOffer} {
		got, err := ParseBookSide(in)
		if err != nil || got != want {
			t.Errorf("ParseBookSide(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseBookSide("sideways"); err == nil {
		t.Error("expected error for unknown side")
	}
}

func TestLevelKeyIgnoresQuantity(t *testing.T) {
	a := level("100.50", "1", BookSideBid)
	b := level("100.50", "7", BookSideBid)
	if a.Key() != b.Key() {
		t.Errorf("keys differ: %v vs %v", a.Key(), b.Key())
	}
	if a.Equal(b) {
		t.Error("levels with different quantities compare equal")
	}
}

func TestSuggestionExpiry(t *testing.T) {
	now := time.Now()
	s := Suggestion{}
	if s.IsExpired(now) {
		t.Error("suggestion without target time expired")
	}
	target := now
	s.TargetCloseTime = &target
	if !s.IsExpired(now) {
		t.Error("suggestion should expire at its target time")
	}
	if s.IsExpired(now.Add(-time.Second)) {
		t.Error("suggestion expired early")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusOpen} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
