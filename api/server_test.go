package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/flowsignal/pkg/book"
	"github.com/gregtusar/flowsignal/pkg/coinbase"
	"github.com/gregtusar/flowsignal/pkg/execution"
	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/gregtusar/flowsignal/pkg/signals"
	"github.com/gregtusar/flowsignal/pkg/simulation"
	"github.com/gregtusar/flowsignal/pkg/store"
	"github.com/gregtusar/flowsignal/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
)

type idleFeed struct{}

func (idleFeed) Run(ctx context.Context, _ chan<- coinbase.FeedEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func (idleFeed) Resubscribe() error { return nil }

type stubBroker struct {
	mu      sync.Mutex
	created []models.OrderRequest
}

func (b *stubBroker) CreateOrder(_ context.Context, req models.OrderRequest) (coinbase.CreateOrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, req)

	var resp coinbase.CreateOrderResponse
	resp.Success = true
	resp.SuccessResponse = &struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		Side          string `json:"side"`
		ClientOrderID string `json:"client_order_id"`
	}{OrderID: "o-1", ProductID: req.ProductID}
	return resp, nil
}

func (b *stubBroker) GetOrder(_ context.Context, id string) (models.RealOrder, error) {
	return models.RealOrder{ID: id, ProductID: "BTC-USD", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Status: models.OrderStatusOpen}, nil
}

func (b *stubBroker) ListOrders(context.Context, string, int) ([]models.RealOrder, error) {
	return nil, nil
}

func (b *stubBroker) CancelOrder(context.Context, string) error { return nil }

func (b *stubBroker) CancelOrders(_ context.Context, ids []string) ([]coinbase.CancelResult, error) {
	results := make([]coinbase.CancelResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, coinbase.CancelResult{OrderID: id, Success: id != "stuck", FailureReason: "UNKNOWN_CANCEL_ORDER"})
	}
	return results, nil
}

type fixture struct {
	handler      http.Handler
	orchestrator *signals.Orchestrator
	engine       *simulation.Engine
	broker       *stubBroker
}

func newFixture(t *testing.T, withGateway bool) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	f := &fixture{
		orchestrator: signals.NewOrchestrator(logger, signals.NewImbalance(signals.DefaultImbalanceConfig())),
		engine:       simulation.NewEngine("BTC-USD", store.NewMemoryStore(), logger),
	}
	tr := trader.NewTrader(trader.Config{Book: book.Config{ProductID: "BTC-USD"}},
		func(string) trader.Feed { return idleFeed{} }, nil, f.orchestrator, f.engine, logger)

	svc := Services{Trader: tr, Orchestrator: f.orchestrator, Engine: f.engine}
	if withGateway {
		f.broker = &stubBroker{}
		gw := execution.NewGateway(f.broker, nil, nil, execution.Config{PollInterval: time.Hour}, logger)
		t.Cleanup(gw.StopAll)
		svc.Gateway = gw
	}
	f.handler = NewServer(svc, logger, "0").Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func bidHeavySnapshot() models.MarketSnapshot {
	return models.MarketSnapshot{
		ProductID:  "BTC-USD",
		CapturedAt: time.Now(),
		Bids: []models.PriceLevel{
			{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(10), Side: models.BookSideBid},
		},
		Offers: []models.PriceLevel{
			{Price: decimal.NewFromInt(101), Quantity: decimal.NewFromInt(2), Side: models.BookSideOffer},
		},
	}
}

func TestHealthAndMarket(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	health := decodeBody[map[string]any](t, rec)
	if health["product_id"] != "BTC-USD" || health["trading_enabled"] != false {
		t.Errorf("health = %v", health)
	}

	if rec := f.do(t, http.MethodGet, "/api/market/snapshot", ""); rec.Code != http.StatusNotFound {
		t.Errorf("snapshot before feed = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/api/market/product", `{"product_id":"ETH-USD"}`); rec.Code != http.StatusConflict {
		t.Errorf("switch on stopped trader = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/api/market/product", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("switch without product = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodOptions, "/api/orders", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}
}

func TestAlgorithmEndpoints(t *testing.T) {
	f := newFixture(t, false)
	f.orchestrator.ProcessSnapshot(context.Background(), bidHeavySnapshot(), "BTC-USD")

	views := decodeBody[[]algorithmView](t, f.do(t, http.MethodGet, "/api/algorithms", ""))
	if len(views) != 1 || views[0].ID != signals.ImbalanceID || views[0].Metric == nil || *views[0].Metric != 5 {
		t.Fatalf("algorithms = %+v", views)
	}

	rec := f.do(t, http.MethodPut, "/api/algorithms/imbalance/config",
		`{"min_confidence":0.9,"min_order_size":0.001,"max_order_size":2,"custom_parameters":{"buyThreshold":3}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("configure = %d %s", rec.Code, rec.Body)
	}
	a, _ := f.orchestrator.Algorithm(signals.ImbalanceID)
	if cfg := a.Config(); !cfg.Enabled || cfg.MinConfidence != 0.9 || cfg.Param("buyThreshold", 0) != 3 {
		t.Errorf("config = %+v", cfg)
	}

	if rec := f.do(t, http.MethodPut, "/api/algorithms/imbalance/config", `{"min_confidence":2}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid config = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/api/algorithms/nope/enabled", `{"enabled":true}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown algorithm = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPut, "/api/algorithms/imbalance/enabled", `{"enabled":false}`); rec.Code != http.StatusOK {
		t.Fatalf("disable = %d", rec.Code)
	}
	if got := decodeBody[[]models.Suggestion](t, f.do(t, http.MethodGet, "/api/suggestions", "")); len(got) != 0 {
		t.Errorf("suggestions after disable = %+v", got)
	}
}

func TestSimulationEndpoints(t *testing.T) {
	f := newFixture(t, false)
	snap := bidHeavySnapshot()
	opened := f.engine.HandleSuggestions([]models.Suggestion{{
		ID: "s-1", AlgorithmID: signals.ImbalanceID, Side: models.OrderSideBuy, ProductID: "BTC-USD",
		Price: 100, Size: 0.2, Confidence: 0.9, CreatedAt: time.Now(),
	}}, snap)
	if len(opened) != 1 {
		t.Fatalf("opened = %+v", opened)
	}

	open := decodeBody[[]models.SimulatedOrder](t, f.do(t, http.MethodGet, "/api/simulation/orders", ""))
	if len(open) != 1 {
		t.Fatalf("open orders = %+v", open)
	}
	if rec := f.do(t, http.MethodGet, "/api/simulation/orders?status=pending", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/simulation/orders/"+open[0].ID+"/close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close = %d %s", rec.Code, rec.Body)
	}
	closed := decodeBody[models.SimulatedOrder](t, rec)
	if closed.Status != models.SimulationStatusClosed || closed.ExitReason == nil || *closed.ExitReason != models.ExitReasonManual {
		t.Errorf("closed = %+v", closed)
	}
	if rec := f.do(t, http.MethodPost, "/api/simulation/orders/"+open[0].ID+"/close", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second close = %d", rec.Code)
	}

	metrics := decodeBody[models.PerformanceMetrics](t, f.do(t, http.MethodGet, "/api/simulation/metrics", ""))
	if metrics.TotalOrders != 1 {
		t.Errorf("metrics = %+v", metrics)
	}

	if rec := f.do(t, http.MethodPost, "/api/simulation/reset", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("reset = %d", rec.Code)
	}
	if got := f.engine.ClosedOrders(); len(got) != 0 {
		t.Errorf("closed after reset = %+v", got)
	}
}

func TestOrdersRequireGateway(t *testing.T) {
	f := newFixture(t, false)
	for _, path := range []string{"/api/orders", "/api/orders/sync"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "sync") {
			method = http.MethodPost
		}
		if rec := f.do(t, method, path, ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s = %d", method, path, rec.Code)
		}
	}
}

func TestOrderEndpoints(t *testing.T) {
	f := newFixture(t, true)

	if rec := f.do(t, http.MethodPost, "/api/orders", `{"side":"buy","type":"limit","size":"0.5"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("limit without price = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/api/orders", `{"side":"buy","type":"limit","size":"0.5","price":"100","time_in_force":"GTC"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d %s", rec.Code, rec.Body)
	}
	order := decodeBody[models.RealOrder](t, rec)
	if order.ID != "o-1" || order.Status != models.OrderStatusOpen || order.Source != models.OrderSourceManual {
		t.Errorf("order = %+v", order)
	}
	if f.broker.created[0].ProductID != "BTC-USD" {
		t.Errorf("product defaulted to %q", f.broker.created[0].ProductID)
	}

	rec = f.do(t, http.MethodPost, "/api/orders/batch-cancel", `{"order_ids":["o-1","stuck"]}`)
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("batch cancel = %d %s", rec.Code, rec.Body)
	}
	batch := decodeBody[batchCancelResponse](t, rec)
	if len(batch.Canceled) != 1 || batch.Canceled[0] != "o-1" || batch.Failed["stuck"] == "" {
		t.Errorf("batch = %+v", batch)
	}

	rec = f.do(t, http.MethodDelete, "/api/orders/o-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	if got := decodeBody[models.RealOrder](t, rec); got.Status != models.OrderStatusCanceled {
		t.Errorf("canceled order = %+v", got)
	}
}

func TestExecuteSuggestion(t *testing.T) {
	f := newFixture(t, true)

	if rec := f.do(t, http.MethodPost, "/api/suggestions/missing/execute", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing suggestion = %d", rec.Code)
	}

	res := f.orchestrator.ProcessSnapshot(context.Background(), bidHeavySnapshot(), "BTC-USD")
	if len(res.New) != 1 {
		t.Fatalf("suggestions = %+v", res)
	}
	rec := f.do(t, http.MethodPost, "/api/suggestions/"+res.New[0].ID+"/execute", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("execute = %d %s", rec.Code, rec.Body)
	}
	order := decodeBody[models.RealOrder](t, rec)
	if order.Source != models.OrderSourceSuggestion || order.SuggestionID != res.New[0].ID {
		t.Errorf("order = %+v", order)
	}
	req := f.broker.created[0]
	if !req.PostOnly || req.Type != models.OrderTypeLimit {
		t.Errorf("request = %+v", req)
	}
}

func TestWriteBrokerError(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewServer(Services{}, logger, "0")

	cases := map[int]error{
		http.StatusUnauthorized: &coinbase.APIError{Kind: coinbase.ErrorKindHTTPStatus, StatusCode: http.StatusUnauthorized},
		http.StatusForbidden:    &coinbase.APIError{Kind: coinbase.ErrorKindHTTPStatus, StatusCode: http.StatusForbidden},
		http.StatusBadGateway:   errors.New("connection reset"),
	}
	for want, err := range cases {
		rec := httptest.NewRecorder()
		s.writeBrokerError(rec, err)
		if rec.Code != want {
			t.Errorf("%v -> %d, want %d", err, rec.Code, want)
		}
	}
}
