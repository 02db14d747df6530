package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const brokeragePath = "/api/v3/brokerage"

// Client talks to the Advanced Trade brokerage REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       Authenticator
	limiter    *rate.Limiter
	logger     *logrus.Entry
}

func NewClient(baseURL string, auth Authenticator, requestsPerSecond float64, logger *logrus.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.WithField("component", "coinbase_client"),
	}
}

func NewAdvancedTradeClient(auth Authenticator, sandbox bool, requestsPerSecond float64, logger *logrus.Logger) *Client {
	baseURL := "https://api.coinbase.com"
	if sandbox {
		baseURL = "https://api-sandbox.coinbase.com"
	}
	return NewClient(baseURL, auth, requestsPerSecond, logger)
}

// Refresh asks the authenticator for a new credential.
func (c *Client) Refresh(ctx context.Context) error {
	if c.auth == nil {
		return ErrNoCredential
	}
	return c.auth.Refresh(ctx)
}

func (c *Client) CreateOrder(ctx context.Context, req models.OrderRequest) (CreateOrderResponse, error) {
	payload, err := BuildCreateOrderRequest(req)
	if err != nil {
		return CreateOrderResponse{}, err
	}

	body, err := c.doRequest(ctx, http.MethodPost, brokeragePath+"/orders", nil, payload)
	if err != nil {
		return CreateOrderResponse{}, err
	}

	var resp CreateOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return CreateOrderResponse{}, &APIError{Kind: ErrorKindInvalidResponse, Message: "decode create order", Err: err}
	}
	if !resp.Success {
		msg := "order rejected"
		if resp.ErrorResponse != nil {
			msg = firstNonEmpty(resp.ErrorResponse.Message, resp.ErrorResponse.ErrorDetails,
				resp.ErrorResponse.PreviewFailureReason, resp.ErrorResponse.NewOrderFailureReason, resp.ErrorResponse.Error)
		}
		return resp, &APIError{Kind: ErrorKindAPI, Message: msg}
	}
	if resp.OrderID() == "" {
		return resp, &APIError{Kind: ErrorKindInvalidResponse, Message: "create order response has no order id"}
	}
	return resp, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (models.RealOrder, error) {
	body, err := c.doRequest(ctx, http.MethodGet, brokeragePath+"/orders/historical/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return models.RealOrder{}, err
	}

	var resp struct {
		Order Order `json:"order"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.RealOrder{}, &APIError{Kind: ErrorKindInvalidResponse, Message: "decode order", Err: err}
	}

	order, err := ConvertOrder(resp.Order)
	if err != nil {
		return models.RealOrder{}, &APIError{Kind: ErrorKindInvalidData, Err: err}
	}
	return order, nil
}

// ListOrders returns recent orders. Orders that cannot be converted are
// logged and skipped.
func (c *Client) ListOrders(ctx context.Context, productID string, limit int) ([]models.RealOrder, error) {
	query := url.Values{}
	if productID != "" {
		query.Set("product_id", productID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doRequest(ctx, http.MethodGet, brokeragePath+"/orders/historical/batch", query, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Orders []Order `json:"orders"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Kind: ErrorKindInvalidResponse, Message: "decode orders", Err: err}
	}

	orders := make([]models.RealOrder, 0, len(resp.Orders))
	for _, raw := range resp.Orders {
		order, err := ConvertOrder(raw)
		if err != nil {
			var convErr *ConversionError
			fields := logrus.Fields{"order_id": raw.OrderID}
			if errors.As(err, &convErr) {
				fields["status"] = convErr.Status
				fields["side"] = convErr.Side
				fields["config_keys"] = convErr.ConfigKeys
			}
			c.logger.WithError(err).WithFields(fields).Warn("Skipping order that could not be converted")
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, brokeragePath+"/orders/"+url.PathEscape(orderID), nil, nil)
	return err
}

func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) ([]CancelResult, error) {
	payload := map[string][]string{"order_ids": orderIDs}
	body, err := c.doRequest(ctx, http.MethodPost, brokeragePath+"/orders/batch_cancel", nil, payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []CancelResult `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Kind: ErrorKindInvalidResponse, Message: "decode batch cancel", Err: err}
	}
	return resp.Results, nil
}

func (c *Client) GetFeeTier(ctx context.Context) (models.FeeTier, error) {
	body, err := c.doRequest(ctx, http.MethodGet, brokeragePath+"/transaction_summary", nil, nil)
	if err != nil {
		return models.FeeTier{}, err
	}

	var resp transactionSummary
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.FeeTier{}, &APIError{Kind: ErrorKindInvalidResponse, Message: "decode transaction summary", Err: err}
	}

	maker, err := decimal.NewFromString(resp.FeeTier.MakerFeeRate)
	if err != nil {
		return models.FeeTier{}, &APIError{Kind: ErrorKindInvalidData, Message: "maker fee rate", Err: err}
	}
	taker, err := decimal.NewFromString(resp.FeeTier.TakerFeeRate)
	if err != nil {
		return models.FeeTier{}, &APIError{Kind: ErrorKindInvalidData, Message: "taker fee rate", Err: err}
	}

	return models.FeeTier{
		PricingTier: resp.FeeTier.PricingTier,
		MakerRate:   maker.InexactFloat64(),
		TakerRate:   taker.InexactFloat64(),
	}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &APIError{Kind: ErrorKindInvalidURL, Message: c.baseURL + path, Err: err}
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, &APIError{Kind: ErrorKindInvalidData, Message: "encode request", Err: err}
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Kind: ErrorKindInvalidURL, Message: u.String(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.auth != nil {
		if err := c.auth.AddAuthHeaders(req, method, path, string(body)); err != nil {
			return nil, fmt.Errorf("coinbase: authenticate %s %s: %w", method, path, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coinbase: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Kind: ErrorKindInvalidResponse, Message: "read body", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiErrorBody
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, &APIError{
			Kind:       ErrorKindHTTPStatus,
			StatusCode: resp.StatusCode,
			Message:    firstNonEmpty(apiErr.Message, apiErr.Error),
		}
	}

	return respBody, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
