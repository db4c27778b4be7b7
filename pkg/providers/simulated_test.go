package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

func testRequest(id string) *pipeline.Request {
	return &pipeline.Request{
		RequestID: id,
		Region:    "coastal-north",
		EventName: "cyclone-meridian",
	}
}

func TestSimulatedAnalyzerIsDeterministic(t *testing.T) {
	analyzer := &SimulatedAnalyzer{}
	req := testRequest("req-0001")

	first, err := analyzer.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	second, err := analyzer.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(first) < 2 || len(first) > 4 {
		t.Errorf("expected 2-4 findings, got %d", len(first))
	}
	if len(first) != len(second) {
		t.Fatalf("finding count changed between runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("finding %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}

	for i, f := range first {
		if f.Confidence < 0.55 || f.Confidence > 1.0 {
			t.Errorf("finding %d confidence %f outside [0.55, 1.0]", i, f.Confidence)
		}
		if f.Location == "" || f.Category == "" {
			t.Errorf("finding %d missing location or category: %+v", i, f)
		}
	}
}

func TestSimulatedAnalyzerVariesByRequest(t *testing.T) {
	analyzer := &SimulatedAnalyzer{}

	a, err := analyzer.Analyze(context.Background(), testRequest("req-0001"))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	b, err := analyzer.Analyze(context.Background(), testRequest("req-0002"))
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(a) == len(b) {
		same := true
		for i := range a {
			if a[i] != b[i] {
				same = false
				break
			}
		}
		if same {
			t.Error("different request ids produced identical findings")
		}
	}
}

func TestSimulatedAnalyzerFailWith(t *testing.T) {
	boom := errors.New("analysis service unavailable")
	analyzer := &SimulatedAnalyzer{FailWith: boom}

	if _, err := analyzer.Analyze(context.Background(), testRequest("req-0001")); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
}

func TestSimulatedPlannerServesHighestConfidenceFirst(t *testing.T) {
	planner := &SimulatedPlanner{}
	report := &pipeline.DamageReport{
		RequestID: "req-0001",
		Findings: []pipeline.Finding{
			{Location: "sector 1", Category: "flooding", Confidence: 0.60},
			{Location: "sector 2", Category: "building_collapse", Confidence: 0.95},
		},
	}
	inv := &pipeline.InventorySnapshot{Stock: DefaultStock(), TakenAt: time.Now().UTC()}

	actions, err := planner.GeneratePlan(context.Background(), testRequest("req-0001"), report, inv)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if len(actions) == 0 {
		t.Fatal("expected actions, got none")
	}

	if actions[0].Destination != "sector 2" {
		t.Errorf("highest-confidence finding not served first: %+v", actions[0])
	}
	if actions[0].Priority != 1 {
		t.Errorf("first action priority = %d, want 1", actions[0].Priority)
	}
	for i, a := range actions {
		if a.Sequence != i+1 {
			t.Errorf("action %d has sequence %d, want %d", i, a.Sequence, i+1)
		}
		if a.Quantity < 1 {
			t.Errorf("action %d has non-positive quantity %d", i, a.Quantity)
		}
	}
}

func TestSimulatedPlannerRespectsInventory(t *testing.T) {
	planner := &SimulatedPlanner{}
	report := &pipeline.DamageReport{
		RequestID: "req-0001",
		Findings: []pipeline.Finding{
			{Location: "sector 1", Category: "road_cut", Confidence: 0.80},
			{Location: "sector 2", Category: "bridge_damage", Confidence: 0.70},
		},
	}
	inv := &pipeline.InventorySnapshot{
		Stock:   map[string]int{"Heavy Machinery": 1, "Fuel": 100},
		TakenAt: time.Now().UTC(),
	}

	actions, err := planner.GeneratePlan(context.Background(), testRequest("req-0001"), report, inv)
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}

	allocated := map[string]int{}
	for _, a := range actions {
		allocated[a.ResourceType] += a.Quantity
	}
	for resource, total := range allocated {
		if total > inv.Stock[resource] {
			t.Errorf("allocated %d of %q, only %d in stock", total, resource, inv.Stock[resource])
		}
	}
}

func TestSimulatedPlannerEmptyInventory(t *testing.T) {
	planner := &SimulatedPlanner{}
	report := &pipeline.DamageReport{
		RequestID: "req-0001",
		Findings: []pipeline.Finding{
			{Location: "sector 1", Category: "flooding", Confidence: 0.80},
		},
	}
	inv := &pipeline.InventorySnapshot{Stock: map[string]int{}, TakenAt: time.Now().UTC()}

	if _, err := planner.GeneratePlan(context.Background(), testRequest("req-0001"), report, inv); err == nil {
		t.Error("expected error when no inventory is deployable")
	}
}

func TestSimulatedPlannerFailWith(t *testing.T) {
	boom := errors.New("planning service unavailable")
	planner := &SimulatedPlanner{FailWith: boom}
	inv := &pipeline.InventorySnapshot{Stock: DefaultStock(), TakenAt: time.Now().UTC()}

	_, err := planner.GeneratePlan(context.Background(), testRequest("req-0001"), &pipeline.DamageReport{}, inv)
	if !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
}
