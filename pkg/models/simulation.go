package models

import "time"

type SimulationStatus string

const (
	SimulationStatusOpen   SimulationStatus = "open"
	SimulationStatusClosed SimulationStatus = "closed"
)

type ExitReason string

const (
	ExitReasonTargetTime  ExitReason = "targetTimeReached"
	ExitReasonTargetPrice ExitReason = "targetPriceReached"
	ExitReasonManual      ExitReason = "manual"
)

// SimulatedOrder is a paper position opened from a suggestion.
type SimulatedOrder struct {
	ID              string           `json:"id"`
	SuggestionID    string           `json:"suggestion_id,omitempty"`
	AlgorithmID     string           `json:"algorithm_id"`
	ProductID       string           `json:"product_id"`
	Side            OrderSide        `json:"side"`
	EntryPrice      float64          `json:"entry_price"`
	Size            float64          `json:"size"`
	Confidence      float64          `json:"confidence"`
	Reasoning       string           `json:"reasoning"`
	TargetCloseTime *time.Time       `json:"target_close_time,omitempty"`
	TargetPrice     *float64         `json:"target_price,omitempty"`
	GoalPnL         *float64         `json:"goal_pnl,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	CurrentPrice    float64          `json:"current_price"`
	PnL             float64          `json:"pnl"`
	Status          SimulationStatus `json:"status"`
	ClosedAt        *time.Time       `json:"closed_at,omitempty"`
	ExitPrice       *float64         `json:"exit_price,omitempty"`
	ExitReason      *ExitReason      `json:"exit_reason,omitempty"`
}

type AlgorithmPerformance struct {
	TotalOrders   int     `json:"total_orders"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalPnL      float64 `json:"total_pnl"`
}

func (p AlgorithmPerformance) WinRate() float64 {
	if p.TotalOrders == 0 {
		return 0
	}
	return float64(p.WinningTrades) / float64(p.TotalOrders)
}

type PnLPoint struct {
	Date        time.Time `json:"date"`
	PnL         float64   `json:"pnl"`
	AlgorithmID string    `json:"algorithm_id"`
}

type PerformanceMetrics struct {
	AlgorithmPerformance
	ByAlgorithm map[string]AlgorithmPerformance `json:"by_algorithm"`
	History     []PnLPoint                      `json:"history"`
}

func NewPerformanceMetrics() PerformanceMetrics {
	return PerformanceMetrics{ByAlgorithm: make(map[string]AlgorithmPerformance)}
}

// Clone deep-copies the map and history so callers can read it without locks.
func (m PerformanceMetrics) Clone() PerformanceMetrics {
	out := m
	out.ByAlgorithm = make(map[string]AlgorithmPerformance, len(m.ByAlgorithm))
	for k, v := range m.ByAlgorithm {
		out.ByAlgorithm[k] = v
	}
	out.History = append([]PnLPoint(nil), m.History...)
	return out
}

// SimulationState is everything the simulation engine persists.
type SimulationState struct {
	OpenOrders   []SimulatedOrder   `json:"open_orders"`
	ClosedOrders []SimulatedOrder   `json:"closed_orders"`
	Metrics      PerformanceMetrics `json:"metrics"`
}
