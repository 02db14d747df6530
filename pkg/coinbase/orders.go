package coinbase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/shopspring/decimal"
)

// BuildCreateOrderRequest maps a brokerage-neutral request onto the nested
// order_configuration shape for its order type and time in force.
func BuildCreateOrderRequest(req models.OrderRequest) (CreateOrderRequest, error) {
	if req.ProductID == "" {
		return CreateOrderRequest{}, invalidData("product id is required")
	}
	side, err := wireSide(req.Side)
	if err != nil {
		return CreateOrderRequest{}, err
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	out := CreateOrderRequest{
		ClientOrderID: clientID,
		ProductID:     req.ProductID,
		Side:          side,
	}

	switch req.Type {
	case models.OrderTypeMarket:
		cfg := &MarketIOC{}
		switch {
		case req.Size != nil && req.Size.IsPositive():
			cfg.BaseSize = req.Size.String()
		case req.QuoteSize != nil && req.QuoteSize.IsPositive():
			cfg.QuoteSize = req.QuoteSize.String()
		default:
			return CreateOrderRequest{}, invalidData("market order needs a base or quote size")
		}
		out.OrderConfiguration.MarketMarketIOC = cfg

	case models.OrderTypeLimit:
		size, price, err := sizeAndPrice(req, req.Price)
		if err != nil {
			return CreateOrderRequest{}, err
		}
		switch req.TimeInForce {
		case "", models.TimeInForceGTC:
			out.OrderConfiguration.LimitLimitGTC = &LimitGTC{BaseSize: size, LimitPrice: price, PostOnly: req.PostOnly}
		case models.TimeInForceGTD:
			end, err := endTime(req)
			if err != nil {
				return CreateOrderRequest{}, err
			}
			out.OrderConfiguration.LimitLimitGTD = &LimitGTD{BaseSize: size, LimitPrice: price, EndTime: end, PostOnly: req.PostOnly}
		case models.TimeInForceFOK:
			out.OrderConfiguration.LimitLimitFOK = &LimitIOC{BaseSize: size, LimitPrice: price}
		case models.TimeInForceIOC:
			out.OrderConfiguration.SorLimitIOC = &LimitIOC{BaseSize: size, LimitPrice: price}
		default:
			return CreateOrderRequest{}, invalidData(fmt.Sprintf("unsupported time in force %q", req.TimeInForce))
		}

	case models.OrderTypeStop, models.OrderTypeStopLimit:
		if req.StopPrice == nil || !req.StopPrice.IsPositive() {
			return CreateOrderRequest{}, invalidData("stop orders need a positive stop price")
		}
		limit := req.Price
		if req.Type == models.OrderTypeStop {
			limit = req.StopPrice
		}
		size, price, err := sizeAndPrice(req, limit)
		if err != nil {
			return CreateOrderRequest{}, err
		}
		direction := "STOP_DIRECTION_STOP_UP"
		if req.Side == models.OrderSideSell {
			direction = "STOP_DIRECTION_STOP_DOWN"
		}
		if req.TimeInForce == models.TimeInForceGTD {
			end, err := endTime(req)
			if err != nil {
				return CreateOrderRequest{}, err
			}
			out.OrderConfiguration.StopLimitStopLimitGTD = &StopLimitGTD{
				BaseSize: size, LimitPrice: price, StopPrice: req.StopPrice.String(), EndTime: end, StopDirection: direction,
			}
		} else {
			out.OrderConfiguration.StopLimitStopLimitGTC = &StopLimitGTC{
				BaseSize: size, LimitPrice: price, StopPrice: req.StopPrice.String(), StopDirection: direction,
			}
		}

	default:
		return CreateOrderRequest{}, invalidData(fmt.Sprintf("unsupported order type %q", req.Type))
	}

	return out, nil
}

func sizeAndPrice(req models.OrderRequest, price *decimal.Decimal) (string, string, error) {
	if req.Size == nil || !req.Size.IsPositive() {
		return "", "", invalidData(fmt.Sprintf("%s order needs a positive size", req.Type))
	}
	if price == nil || !price.IsPositive() {
		return "", "", invalidData(fmt.Sprintf("%s order needs a positive price", req.Type))
	}
	return req.Size.String(), price.String(), nil
}

func endTime(req models.OrderRequest) (string, error) {
	if req.EndTime == nil {
		return "", invalidData("GTD orders need an end time")
	}
	return req.EndTime.UTC().Format(time.RFC3339), nil
}

func wireSide(side models.OrderSide) (string, error) {
	switch side {
	case models.OrderSideBuy:
		return "BUY", nil
	case models.OrderSideSell:
		return "SELL", nil
	default:
		return "", invalidData(fmt.Sprintf("unsupported side %q", side))
	}
}

func invalidData(msg string) error {
	return &APIError{Kind: ErrorKindInvalidData, Message: msg}
}

// ConversionError carries enough context to diagnose an order the brokerage
// returned in a shape we could not map.
type ConversionError struct {
	OrderID    string
	Status     string
	Side       string
	ConfigKeys []string
	Reason     string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert order %s (status=%s side=%s config=%s): %s",
		e.OrderID, e.Status, e.Side, strings.Join(e.ConfigKeys, ","), e.Reason)
}

// ConvertOrder maps a brokerage order onto models.RealOrder.
func ConvertOrder(o Order) (models.RealOrder, error) {
	fail := func(reason string) (models.RealOrder, error) {
		return models.RealOrder{}, &ConversionError{
			OrderID:    o.OrderID,
			Status:     o.Status,
			Side:       o.Side,
			ConfigKeys: o.OrderConfiguration.Keys(),
			Reason:     reason,
		}
	}

	if o.OrderID == "" {
		return fail("missing order id")
	}
	status, ok := parseStatus(o.Status)
	if !ok {
		return fail("unknown status")
	}

	var side models.OrderSide
	switch strings.ToUpper(o.Side) {
	case "BUY":
		side = models.OrderSideBuy
	case "SELL":
		side = models.OrderSideSell
	default:
		return fail("unknown side")
	}

	out := models.RealOrder{
		ID:            o.OrderID,
		ClientOrderID: o.ClientOrderID,
		ProductID:     o.ProductID,
		Side:          side,
		Status:        status,
		TimeInForce:   models.TimeInForce(strings.ToUpper(o.TimeInForce)),
		RejectReason:  o.RejectReason,
	}

	cfg := o.OrderConfiguration
	switch {
	case cfg.MarketMarketIOC != nil:
		out.Type = models.OrderTypeMarket
		out.Size = optionalDecimal(cfg.MarketMarketIOC.BaseSize)
		out.TimeInForce = models.TimeInForceIOC
	case cfg.LimitLimitGTC != nil:
		out.Type = models.OrderTypeLimit
		out.Size = optionalDecimal(cfg.LimitLimitGTC.BaseSize)
		out.Price = optionalDecimal(cfg.LimitLimitGTC.LimitPrice)
		out.PostOnly = cfg.LimitLimitGTC.PostOnly
		out.TimeInForce = models.TimeInForceGTC
	case cfg.LimitLimitGTD != nil:
		out.Type = models.OrderTypeLimit
		out.Size = optionalDecimal(cfg.LimitLimitGTD.BaseSize)
		out.Price = optionalDecimal(cfg.LimitLimitGTD.LimitPrice)
		out.PostOnly = cfg.LimitLimitGTD.PostOnly
		out.TimeInForce = models.TimeInForceGTD
	case cfg.LimitLimitFOK != nil:
		out.Type = models.OrderTypeLimit
		out.Size = optionalDecimal(cfg.LimitLimitFOK.BaseSize)
		out.Price = optionalDecimal(cfg.LimitLimitFOK.LimitPrice)
		out.TimeInForce = models.TimeInForceFOK
	case cfg.SorLimitIOC != nil:
		out.Type = models.OrderTypeLimit
		out.Size = optionalDecimal(cfg.SorLimitIOC.BaseSize)
		out.Price = optionalDecimal(cfg.SorLimitIOC.LimitPrice)
		out.TimeInForce = models.TimeInForceIOC
	case cfg.StopLimitStopLimitGTC != nil:
		out.Type = models.OrderTypeStopLimit
		out.Size = optionalDecimal(cfg.StopLimitStopLimitGTC.BaseSize)
		out.Price = optionalDecimal(cfg.StopLimitStopLimitGTC.LimitPrice)
		out.StopPrice = optionalDecimal(cfg.StopLimitStopLimitGTC.StopPrice)
		out.TimeInForce = models.TimeInForceGTC
	case cfg.StopLimitStopLimitGTD != nil:
		out.Type = models.OrderTypeStopLimit
		out.Size = optionalDecimal(cfg.StopLimitStopLimitGTD.BaseSize)
		out.Price = optionalDecimal(cfg.StopLimitStopLimitGTD.LimitPrice)
		out.StopPrice = optionalDecimal(cfg.StopLimitStopLimitGTD.StopPrice)
		out.TimeInForce = models.TimeInForceGTD
	default:
		switch strings.ToUpper(o.OrderType) {
		case "MARKET":
			out.Type = models.OrderTypeMarket
		case "LIMIT":
			out.Type = models.OrderTypeLimit
		case "STOP_LIMIT":
			out.Type = models.OrderTypeStopLimit
		default:
			return fail("unrecognised order configuration")
		}
	}

	var err error
	if out.FilledSize, err = decimalOrZero(o.FilledSize); err != nil {
		return fail("bad filled_size")
	}
	if out.TotalFees, err = decimalOrZero(o.TotalFees); err != nil {
		return fail("bad total_fees")
	}
	if avg := optionalDecimal(o.AverageFilledPrice); avg != nil && avg.IsPositive() {
		out.AverageFilledPrice = avg
	}
	if o.NumberOfFills != "" {
		if n, err := strconv.Atoi(o.NumberOfFills); err == nil {
			out.NumberOfFills = n
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, o.CreatedTime); err == nil {
		out.CreatedAt = t
	}
	out.UpdatedAt = out.CreatedAt
	if t, err := time.Parse(time.RFC3339Nano, o.LastFillTime); err == nil && t.After(out.UpdatedAt) {
		out.UpdatedAt = t
	}

	return out, nil
}

func parseStatus(s string) (models.OrderStatus, bool) {
	switch strings.ToUpper(s) {
	case "PENDING", "QUEUED":
		return models.OrderStatusPending, true
	case "OPEN", "CANCEL_QUEUED", "EDIT_QUEUED":
		return models.OrderStatusOpen, true
	case "FILLED":
		return models.OrderStatusFilled, true
	case "CANCELLED", "CANCELED":
		return models.OrderStatusCanceled, true
	case "EXPIRED":
		return models.OrderStatusExpired, true
	case "FAILED", "REJECTED":
		return models.OrderStatusRejected, true
	default:
		return "", false
	}
}

func optionalDecimal(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func decimalOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
