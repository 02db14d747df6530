package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gregtusar/flowsignal/pkg/coinbase"
	"github.com/gregtusar/flowsignal/pkg/execution"
	"github.com/gregtusar/flowsignal/pkg/models"
	"github.com/gregtusar/flowsignal/pkg/signals"
	"github.com/gregtusar/flowsignal/pkg/simulation"
	"github.com/gregtusar/flowsignal/pkg/trader"
	"github.com/sirupsen/logrus"
)

// Services are the components the HTTP surface reads and drives. Gateway is
// nil when real trading is disabled.
type Services struct {
	Trader       *trader.Trader
	Orchestrator *signals.Orchestrator
	Engine       *simulation.Engine
	Gateway      *execution.Gateway
	SyncLimit    int
}

type Server struct {
	svc    Services
	logger *logrus.Logger
	port   string
	srv    *http.Server
}

func NewServer(svc Services, logger *logrus.Logger, port string) *Server {
	if svc.SyncLimit <= 0 {
		svc.SyncLimit = 50
	}
	return &Server{
		svc:    svc,
		logger: logger,
		port:   port,
	}
}

// Handler returns the routed API with CORS applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/market/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/market/product", s.handleGetProduct).Methods(http.MethodGet)
	api.HandleFunc("/market/product", s.handleSwitchProduct).Methods(http.MethodPut)

	api.HandleFunc("/suggestions", s.handleSuggestions).Methods(http.MethodGet)
	api.HandleFunc("/suggestions/{id}/execute", s.handleExecuteSuggestion).Methods(http.MethodPost)

	api.HandleFunc("/algorithms", s.handleAlgorithms).Methods(http.MethodGet)
	api.HandleFunc("/algorithms/{id}/config", s.handleConfigureAlgorithm).Methods(http.MethodPut)
	api.HandleFunc("/algorithms/{id}/enabled", s.handleEnableAlgorithm).Methods(http.MethodPut)

	api.HandleFunc("/simulation/orders", s.handleSimulatedOrders).Methods(http.MethodGet)
	api.HandleFunc("/simulation/orders/{id}/close", s.handleCloseSimulated).Methods(http.MethodPost)
	api.HandleFunc("/simulation/metrics", s.handleSimulationMetrics).Methods(http.MethodGet)
	api.HandleFunc("/simulation/reset", s.handleSimulationReset).Methods(http.MethodPost)

	api.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/sync", s.handleSyncOrders).Methods(http.MethodPost)
	api.HandleFunc("/orders/batch-cancel", s.handleBatchCancel).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)

	return corsMiddleware(r)
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %s", s.port)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"product_id":      s.svc.Trader.ActiveProduct(),
		"trading_enabled": s.svc.Gateway != nil,
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.svc.Trader.LatestSnapshot()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no snapshot published yet")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type productBody struct {
	ProductID string `json:"product_id"`
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, productBody{ProductID: s.svc.Trader.ActiveProduct()})
}

func (s *Server) handleSwitchProduct(w http.ResponseWriter, r *http.Request) {
	var body productBody
	if !s.decode(w, r, &body) {
		return
	}
	if body.ProductID == "" {
		s.writeError(w, http.StatusBadRequest, "product_id is required")
		return
	}
	if err := s.svc.Trader.SwitchProduct(body.ProductID); err != nil {
		if errors.Is(err, trader.ErrNotRunning) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Orchestrator.Suggestions())
}

func (s *Server) handleExecuteSuggestion(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w) {
		return
	}
	id := mux.Vars(r)["id"]
	suggestion, ok := s.svc.Orchestrator.Suggestion(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("suggestion %s not found", id))
		return
	}
	order, err := s.svc.Gateway.SubmitSuggestion(r.Context(), suggestion)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

type algorithmView struct {
	ID     string                        `json:"id"`
	Name   string                        `json:"name"`
	Config models.AlgorithmConfiguration `json:"config"`
	Metric *float64                      `json:"metric,omitempty"`
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	metrics := s.svc.Orchestrator.Metrics()
	algorithms := s.svc.Orchestrator.Algorithms()
	views := make([]algorithmView, 0, len(algorithms))
	for _, a := range algorithms {
		v := algorithmView{ID: a.ID(), Name: a.Name(), Config: a.Config()}
		if m, ok := metrics[a.ID()]; ok {
			v.Metric = &m
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleConfigureAlgorithm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var cfg models.AlgorithmConfiguration
	if !s.decode(w, r, &cfg) {
		return
	}
	if cfg.MinOrderSize < 0 || cfg.MaxOrderSize < cfg.MinOrderSize || cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		s.writeError(w, http.StatusBadRequest, "invalid algorithm configuration")
		return
	}
	// Enabling and disabling go through the enabled endpoint.
	if current, ok := s.svc.Orchestrator.Algorithm(id); ok {
		cfg.Enabled = current.Config().Enabled
	}
	if err := s.svc.Orchestrator.Configure(id, cfg); err != nil {
		s.writeAlgorithmError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleEnableAlgorithm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if err := s.svc.Orchestrator.SetEnabled(id, body.Enabled); err != nil {
		s.writeAlgorithmError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSimulatedOrders(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("status") {
	case "", string(models.SimulationStatusOpen):
		s.writeJSON(w, http.StatusOK, s.svc.Engine.OpenOrders())
	case string(models.SimulationStatusClosed):
		s.writeJSON(w, http.StatusOK, s.svc.Engine.ClosedOrders())
	default:
		s.writeError(w, http.StatusBadRequest, "status must be open or closed")
	}
}

func (s *Server) handleCloseSimulated(w http.ResponseWriter, r *http.Request) {
	order, err := s.svc.Engine.CloseOrderManually(mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, simulation.ErrOrderNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleSimulationMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Engine.Metrics())
}

func (s *Server) handleSimulationReset(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Engine.Reset(r.Context()); err != nil {
		s.logger.WithError(err).Error("Failed to reset simulation")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.Gateway.Orders())
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w) {
		return
	}
	var req models.OrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		req.ProductID = s.svc.Trader.ActiveProduct()
	}
	if err := validateOrderRequest(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := s.svc.Gateway.Submit(r.Context(), req)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

func validateOrderRequest(req models.OrderRequest) error {
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return fmt.Errorf("side must be buy or sell")
	}
	switch req.Type {
	case models.OrderTypeMarket:
		if req.Size == nil && req.QuoteSize == nil {
			return fmt.Errorf("market orders need size or quote_size")
		}
	case models.OrderTypeLimit:
		if req.Size == nil || req.Price == nil {
			return fmt.Errorf("limit orders need size and price")
		}
	case models.OrderTypeStop, models.OrderTypeStopLimit:
		if req.Size == nil || req.Price == nil || req.StopPrice == nil {
			return fmt.Errorf("stop orders need size, price and stop_price")
		}
	default:
		return fmt.Errorf("unknown order type %q", req.Type)
	}
	if req.Size != nil && !req.Size.IsPositive() {
		return fmt.Errorf("size must be positive")
	}
	return nil
}

func (s *Server) handleSyncOrders(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w) {
		return
	}
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		productID = s.svc.Trader.ActiveProduct()
	}
	orders, err := s.svc.Gateway.SyncOrders(r.Context(), productID, s.svc.SyncLimit)
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

type batchCancelResponse struct {
	Canceled []string          `json:"canceled"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w) {
		return
	}
	var body struct {
		OrderIDs []string `json:"order_ids"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if len(body.OrderIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "order_ids is required")
		return
	}

	canceled, err := s.svc.Gateway.BatchCancel(r.Context(), body.OrderIDs)
	var partial *execution.PartialCancelError
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, batchCancelResponse{Canceled: canceled})
	case errors.As(err, &partial):
		s.writeJSON(w, http.StatusMultiStatus, batchCancelResponse{Canceled: partial.Canceled, Failed: partial.Failed})
	default:
		s.writeBrokerError(w, err)
	}
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if !s.requireGateway(w) {
		return
	}
	order, err := s.svc.Gateway.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeBrokerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) requireGateway(w http.ResponseWriter) bool {
	if s.svc.Gateway == nil {
		s.writeError(w, http.StatusServiceUnavailable, "real trading is not configured")
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeAlgorithmError(w http.ResponseWriter, err error) {
	if errors.Is(err, signals.ErrUnknownAlgorithm) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Warn("Brokerage request failed")
	switch {
	case coinbase.IsUnauthorized(err):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case coinbase.IsPermissionError(err):
		s.writeError(w, http.StatusForbidden, err.Error())
	default:
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
