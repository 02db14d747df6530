package coinbase

import (
	"time"
)

const (
	ChannelLevel2        = "level2"
	ChannelLevel2Data    = "l2_data"
	ChannelSubscriptions = "subscriptions"
	ChannelHeartbeats    = "heartbeats"

	EventTypeSnapshot = "snapshot"
	EventTypeUpdate   = "update"
	MessageTypeError  = "error"
)

// FeedEvent is what the transport hands to the reducer lane: either a raw
// frame or a marker that the connection was re-established.
type FeedEvent struct {
	Data        []byte
	ReceivedAt  time.Time
	Reconnected bool
}

// FeedMessage is one decoded WebSocket frame.
type FeedMessage struct {
	Channel     string      `json:"channel"`
	ClientID    string      `json:"client_id"`
	Timestamp   string      `json:"timestamp"`
	SequenceNum int64       `json:"sequence_num"`
	Type        string      `json:"type"`
	Message     string      `json:"message"`
	Events      []BookEvent `json:"events"`
}

type BookEvent struct {
	Type      string       `json:"type"`
	ProductID string       `json:"product_id"`
	Updates   []BookUpdate `json:"updates"`
}

type BookUpdate struct {
	Side        string `json:"side"`
	EventTime   string `json:"event_time"`
	PriceLevel  string `json:"price_level"`
	NewQuantity string `json:"new_quantity"`
}

type SubscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

// Order configuration shapes, one per order type / time in force.

type MarketIOC struct {
	QuoteSize string `json:"quote_size,omitempty"`
	BaseSize  string `json:"base_size,omitempty"`
}

type LimitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	PostOnly   bool   `json:"post_only"`
}

type LimitGTD struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	EndTime    string `json:"end_time"`
	PostOnly   bool   `json:"post_only"`
}

type LimitIOC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
}

type StopLimitGTC struct {
	BaseSize      string `json:"base_size"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	StopDirection string `json:"stop_direction"`
}

type StopLimitGTD struct {
	BaseSize      string `json:"base_size"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	EndTime       string `json:"end_time"`
	StopDirection string `json:"stop_direction"`
}

type OrderConfiguration struct {
	MarketMarketIOC       *MarketIOC    `json:"market_market_ioc,omitempty"`
	LimitLimitGTC         *LimitGTC     `json:"limit_limit_gtc,omitempty"`
	LimitLimitGTD         *LimitGTD     `json:"limit_limit_gtd,omitempty"`
	LimitLimitFOK         *LimitIOC     `json:"limit_limit_fok,omitempty"`
	SorLimitIOC           *LimitIOC     `json:"sor_limit_ioc,omitempty"`
	StopLimitStopLimitGTC *StopLimitGTC `json:"stop_limit_stop_limit_gtc,omitempty"`
	StopLimitStopLimitGTD *StopLimitGTD `json:"stop_limit_stop_limit_gtd,omitempty"`
}

// Keys lists the configuration variants present, for diagnostics.
func (c OrderConfiguration) Keys() []string {
	var keys []string
	if c.MarketMarketIOC != nil {
		keys = append(keys, "market_market_ioc")
	}
	if c.LimitLimitGTC != nil {
		keys = append(keys, "limit_limit_gtc")
	}
	if c.LimitLimitGTD != nil {
		keys = append(keys, "limit_limit_gtd")
	}
	if c.LimitLimitFOK != nil {
		keys = append(keys, "limit_limit_fok")
	}
	if c.SorLimitIOC != nil {
		keys = append(keys, "sor_limit_ioc")
	}
	if c.StopLimitStopLimitGTC != nil {
		keys = append(keys, "stop_limit_stop_limit_gtc")
	}
	if c.StopLimitStopLimitGTD != nil {
		keys = append(keys, "stop_limit_stop_limit_gtd")
	}
	return keys
}

type CreateOrderRequest struct {
	ClientOrderID      string             `json:"client_order_id"`
	ProductID          string             `json:"product_id"`
	Side               string             `json:"side"`
	OrderConfiguration OrderConfiguration `json:"order_configuration"`
}

type CreateOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse *struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		Side          string `json:"side"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response,omitempty"`
	ErrorResponse *struct {
		Error                 string `json:"error"`
		Message               string `json:"message"`
		ErrorDetails          string `json:"error_details"`
		PreviewFailureReason  string `json:"preview_failure_reason"`
		NewOrderFailureReason string `json:"new_order_failure_reason"`
	} `json:"error_response,omitempty"`
	OrderConfiguration *OrderConfiguration `json:"order_configuration,omitempty"`
}

// OrderID returns the brokerage order id from a successful response.
func (r CreateOrderResponse) OrderID() string {
	if r.SuccessResponse != nil {
		return r.SuccessResponse.OrderID
	}
	return ""
}

type Order struct {
	OrderID            string             `json:"order_id"`
	ProductID          string             `json:"product_id"`
	ClientOrderID      string             `json:"client_order_id"`
	Side               string             `json:"side"`
	Status             string             `json:"status"`
	OrderType          string             `json:"order_type"`
	TimeInForce        string             `json:"time_in_force"`
	OrderConfiguration OrderConfiguration `json:"order_configuration"`
	CreatedTime        string             `json:"created_time"`
	LastFillTime       string             `json:"last_fill_time"`
	FilledSize         string             `json:"filled_size"`
	AverageFilledPrice string             `json:"average_filled_price"`
	NumberOfFills      string             `json:"number_of_fills"`
	TotalFees          string             `json:"total_fees"`
	RejectReason       string             `json:"reject_reason"`
}

type CancelResult struct {
	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason"`
	OrderID       string `json:"order_id"`
}

type transactionSummary struct {
	FeeTier struct {
		PricingTier  string `json:"pricing_tier"`
		TakerFeeRate string `json:"taker_fee_rate"`
		MakerFeeRate string `json:"maker_fee_rate"`
	} `json:"fee_tier"`
}

type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
