package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusExpired  OrderStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

type OrderSource string

const (
	OrderSourceManual     OrderSource = "manual"
	OrderSourceSuggestion OrderSource = "suggestion"
	OrderSourceMissed     OrderSource = "missed"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceGTD TimeInForce = "GTD"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// RealOrder is an order placed with the brokerage. Only the execution
// gateway creates and mutates it.
type RealOrder struct {
	ID                 string           `json:"id"`
	ClientOrderID      string           `json:"client_order_id,omitempty"`
	ProductID          string           `json:"product_id"`
	Side               OrderSide        `json:"side"`
	Type               OrderType        `json:"type"`
	Status             OrderStatus      `json:"status"`
	Price              *decimal.Decimal `json:"price,omitempty"`
	Size               *decimal.Decimal `json:"size,omitempty"`
	StopPrice          *decimal.Decimal `json:"stop_price,omitempty"`
	FilledSize         decimal.Decimal  `json:"filled_size"`
	AverageFilledPrice *decimal.Decimal `json:"average_filled_price,omitempty"`
	TotalFees          decimal.Decimal  `json:"total_fees"`
	NumberOfFills      int              `json:"number_of_fills"`
	TimeInForce        TimeInForce      `json:"time_in_force,omitempty"`
	PostOnly           bool             `json:"post_only"`
	Source             OrderSource      `json:"source"`
	SuggestionID       string           `json:"suggestion_id,omitempty"`
	PollingRestricted  bool             `json:"polling_restricted"`
	RejectReason       string           `json:"reject_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// OrderRequest is the brokerage-neutral order a caller wants placed.
type OrderRequest struct {
	ProductID     string           `json:"product_id"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Size          *decimal.Decimal `json:"size,omitempty"`
	QuoteSize     *decimal.Decimal `json:"quote_size,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce      `json:"time_in_force,omitempty"`
	EndTime       *time.Time       `json:"end_time,omitempty"`
	PostOnly      bool             `json:"post_only"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
	Source        OrderSource      `json:"source,omitempty"`
	SuggestionID  string           `json:"suggestion_id,omitempty"`
}
