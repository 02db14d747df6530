package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
)

type staticAuth struct{ token string }

func (s staticAuth) AddAuthHeaders(req *http.Request, method, path, body string) error {
	req.Header.Set("Authorization", "Bearer "+s.token)
	return nil
}

func (s staticAuth) Refresh(ctx context.Context) error { return nil }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger, _ := test.NewNullLogger()
	return NewClient(srv.URL, staticAuth{token: "tok"}, 0, logger)
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestCreateOrderSendsConfiguration(t *testing.T) {
	var got CreateOrderRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/brokerage/orders" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.Write([]byte(`{"success":true,"success_response":{"order_id":"o-1","product_id":"BTC-USD","side":"BUY"}}`))
	})

	resp, err := client.CreateOrder(context.Background(), models.OrderRequest{
		ProductID: "BTC-USD",
		Side:      models.OrderSideBuy,
		Type:      models.OrderTypeLimit,
		Price:     dec("100.5"),
		Size:      dec("0.25"),
		PostOnly:  true,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if resp.OrderID() != "o-1" {
		t.Errorf("OrderID = %q", resp.OrderID())
	}
	cfg := got.OrderConfiguration.LimitLimitGTC
	if cfg == nil {
		t.Fatalf("limit_limit_gtc missing: %+v", got.OrderConfiguration)
	}
	if cfg.LimitPrice != "100.5" || cfg.BaseSize != "0.25" || !cfg.PostOnly {
		t.Errorf("limit config = %+v", cfg)
	}
	if got.Side != "BUY" || got.ClientOrderID == "" {
		t.Errorf("side=%q client_order_id=%q", got.Side, got.ClientOrderID)
	}
}

func TestCreateOrderRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error_response":{"error":"INSUFFICIENT_FUND","message":"Insufficient balance"}}`))
	})

	_, err := client.CreateOrder(context.Background(), models.OrderRequest{
		ProductID: "BTC-USD", Side: models.OrderSideSell, Type: models.OrderTypeMarket, Size: dec("1"),
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != ErrorKindAPI {
		t.Fatalf("err = %v, want api_error", err)
	}
	if !strings.Contains(apiErr.Message, "Insufficient") {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestHTTPStatusErrors(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			w.Write([]byte(`{"error":"unauthorized","message":"bad token"}`))
		})
		_, err := client.GetOrder(context.Background(), "abc")
		if !IsAuthError(err) {
			t.Errorf("status %d: IsAuthError false for %v", code, err)
		}
		if got := IsPermissionError(err); got != (code == http.StatusForbidden) {
			t.Errorf("status %d: IsPermissionError = %v", code, got)
		}
	}
}

func TestInvalidBaseURL(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client := NewClient("not a url", nil, 0, logger)
	_, err := client.GetFeeTier(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != ErrorKindInvalidURL {
		t.Fatalf("err = %v, want invalid_url", err)
	}
}

func TestListOrdersSkipsUnconvertible(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("product_id") != "ETH-USD" {
			t.Errorf("product_id query = %q", r.URL.Query().Get("product_id"))
		}
		w.Write([]byte(`{"orders":[
			{"order_id":"a","product_id":"ETH-USD","side":"BUY","status":"OPEN",
			 "order_configuration":{"limit_limit_gtc":{"base_size":"1","limit_price":"10","post_only":true}},
			 "filled_size":"0","created_time":"2024-01-02T03:04:05Z"},
			{"order_id":"b","product_id":"ETH-USD","side":"BUY","status":"MYSTERY",
			 "order_configuration":{"market_market_ioc":{"base_size":"1"}}},
			{"order_id":"c","product_id":"ETH-USD","side":"SELL","status":"FILLED",
			 "order_configuration":{"market_market_ioc":{"base_size":"2"}},
			 "filled_size":"2","average_filled_price":"11.5","total_fees":"0.01","number_of_fills":"3"}
		]}`))
	})

	orders, err := client.ListOrders(context.Background(), "ETH-USD", 10)
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}
	if orders[0].Status != models.OrderStatusOpen || orders[0].Type != models.OrderTypeLimit || !orders[0].PostOnly {
		t.Errorf("order a = %+v", orders[0])
	}
	c := orders[1]
	if c.Status != models.OrderStatusFilled || !c.FilledSize.Equal(decimal.NewFromInt(2)) || c.NumberOfFills != 3 {
		t.Errorf("order c = %+v", c)
	}
	if c.AverageFilledPrice == nil || c.AverageFilledPrice.String() != "11.5" {
		t.Errorf("average filled price = %v", c.AverageFilledPrice)
	}
}

func TestGetFeeTier(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"fee_tier":{"pricing_tier":"Advanced 1","taker_fee_rate":"0.006","maker_fee_rate":"0.004"}}`))
	})
	tier, err := client.GetFeeTier(context.Background())
	if err != nil {
		t.Fatalf("GetFeeTier: %v", err)
	}
	if tier.TakerRate != 0.006 || tier.MakerRate != 0.004 {
		t.Errorf("tier = %+v", tier)
	}
}

func TestCancelOrders(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OrderIDs []string `json:"order_ids"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.OrderIDs) != 2 {
			t.Errorf("order_ids = %v", body.OrderIDs)
		}
		w.Write([]byte(`{"results":[{"success":true,"order_id":"a"},{"success":false,"failure_reason":"UNKNOWN_CANCEL_ORDER","order_id":"b"}]}`))
	})
	results, err := client.CancelOrders(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if len(results) != 2 || !results[0].Success || results[1].Success {
		t.Errorf("results = %+v", results)
	}
}
