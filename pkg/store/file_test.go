package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/flowsignal/pkg/models"
)

func sampleState() models.SimulationState {
	metrics := models.NewPerformanceMetrics()
	metrics.TotalOrders = 1
	metrics.WinningTrades = 1
	metrics.TotalPnL = 5
	metrics.ByAlgorithm["imbalance"] = models.AlgorithmPerformance{TotalOrders: 1, WinningTrades: 1, TotalPnL: 5}

	exit := 105.0
	closedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return models.SimulationState{
		OpenOrders: []models.SimulatedOrder{{
			ID: "open-1", AlgorithmID: "imbalance", ProductID: "BTC-USD", Side: models.OrderSideBuy,
			EntryPrice: 100, Size: 1, Status: models.SimulationStatusOpen, CreatedAt: closedAt,
		}},
		ClosedOrders: []models.SimulatedOrder{{
			ID: "closed-1", AlgorithmID: "imbalance", ProductID: "BTC-USD", Side: models.OrderSideBuy,
			EntryPrice: 100, Size: 1, PnL: 5, Status: models.SimulationStatusClosed,
			ClosedAt: &closedAt, ExitPrice: &exit, CreatedAt: closedAt,
		}},
		Metrics: metrics,
	}
}

func TestFileStoreLoadMissing(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nested", "sim.json"))
	state, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(state.OpenOrders) != 0 || state.Metrics.ByAlgorithm == nil {
		t.Errorf("state = %+v", state)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sim.json")
	s := NewFileStore(path)

	if err := s.Save(ctx, sampleState()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}

	got, err := NewFileStore(path).Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.OpenOrders) != 1 || got.OpenOrders[0].ID != "open-1" {
		t.Errorf("open orders = %+v", got.OpenOrders)
	}
	if len(got.ClosedOrders) != 1 || *got.ClosedOrders[0].ExitPrice != 105 {
		t.Errorf("closed orders = %+v", got.ClosedOrders)
	}
	if got.Metrics.ByAlgorithm["imbalance"].TotalPnL != 5 {
		t.Errorf("metrics = %+v", got.Metrics)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	got, err = s.Load(ctx)
	if err != nil || len(got.ClosedOrders) != 0 {
		t.Errorf("after clear = %+v, %v", got, err)
	}
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path).Load(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Save(ctx, sampleState()); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil || len(got.OpenOrders) != 1 {
		t.Fatalf("Load = %+v, %v", got, err)
	}
	_ = s.Clear(ctx)
	got, _ = s.Load(ctx)
	if len(got.OpenOrders) != 0 {
		t.Errorf("after clear = %+v", got)
	}
}
