package models

import (
	"time"
)

type AlgorithmConfiguration struct {
	Enabled          bool               `json:"enabled" mapstructure:"enabled"`
	MinConfidence    float64            `json:"min_confidence" mapstructure:"min_confidence"`
	MinOrderSize     float64            `json:"min_order_size" mapstructure:"min_order_size"`
	MaxOrderSize     float64            `json:"max_order_size" mapstructure:"max_order_size"`
	CustomParameters map[string]float64 `json:"custom_parameters,omitempty" mapstructure:"custom_parameters"`
}

// Param returns a custom parameter or def when unset.
func (c AlgorithmConfiguration) Param(name string, def float64) float64 {
	if v, ok := c.CustomParameters[name]; ok {
		return v
	}
	return def
}

// ClampSize bounds size to [MinOrderSize, MaxOrderSize]. A zero max means no upper bound.
func (c AlgorithmConfiguration) ClampSize(size float64) float64 {
	if c.MaxOrderSize > 0 && size > c.MaxOrderSize {
		size = c.MaxOrderSize
	}
	if size < c.MinOrderSize {
		size = c.MinOrderSize
	}
	return size
}

func (c AlgorithmConfiguration) Clone() AlgorithmConfiguration {
	out := c
	if c.CustomParameters != nil {
		out.CustomParameters = make(map[string]float64, len(c.CustomParameters))
		for k, v := range c.CustomParameters {
			out.CustomParameters[k] = v
		}
	}
	return out
}

// Suggestion is a confidence-scored trade idea. At most one is active per
// (algorithm, side).
type Suggestion struct {
	ID                    string     `json:"id"`
	AlgorithmID           string     `json:"algorithm_id"`
	AlgorithmName         string     `json:"algorithm_name"`
	Side                  OrderSide  `json:"side"`
	ProductID             string     `json:"product_id"`
	Price                 float64    `json:"price"`
	Size                  float64    `json:"size"`
	Confidence            float64    `json:"confidence"`
	Reasoning             string     `json:"reasoning"`
	CreatedAt             time.Time  `json:"created_at"`
	TriggeringMetricValue *float64   `json:"triggering_metric_value,omitempty"`
	TargetCloseTime       *time.Time `json:"target_close_time,omitempty"`
	TargetPrice           *float64   `json:"target_price,omitempty"`
	GoalPnL               *float64   `json:"goal_pnl,omitempty"`
}

// IsExpired reports whether the suggestion has a target close time at or before now.
func (s Suggestion) IsExpired(now time.Time) bool {
	return s.TargetCloseTime != nil && !now.Before(*s.TargetCloseTime)
}
