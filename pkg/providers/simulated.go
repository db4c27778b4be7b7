package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

// SimulatedAnalyzer produces deterministic findings derived from the request
// id. It stands in for the real imagery-analysis function in development and
// tests: same request, same findings, no network.
type SimulatedAnalyzer struct {
	// FailWith, when set, makes every invocation fail with this error.
	FailWith error
}

var damageCategories = []string{
	"flooding",
	"building_collapse",
	"road_cut",
	"bridge_damage",
	"landslide",
}

// Analyze derives 2-4 findings from a hash of the request id.
func (a *SimulatedAnalyzer) Analyze(_ context.Context, req *pipeline.Request) ([]pipeline.Finding, error) {
	if a.FailWith != nil {
		return nil, a.FailWith
	}

	h := fnv.New64a()
	h.Write([]byte(req.RequestID))
	seed := h.Sum64()

	count := 2 + int(seed%3)
	findings := make([]pipeline.Finding, 0, count)
	for i := 0; i < count; i++ {
		category := damageCategories[(seed>>(uint(i)*8))%uint64(len(damageCategories))]
		confidence := 0.55 + float64((seed>>uint(i*4))%40)/100.0
		findings = append(findings, pipeline.Finding{
			Location:   fmt.Sprintf("%s sector %d", req.Region, i+1),
			Category:   category,
			Confidence: confidence,
			Summary:    fmt.Sprintf("simulated %s detection", category),
		})
	}
	return findings, nil
}

// SimulatedPlanner allocates inventory to findings with a greedy,
// highest-confidence-first strategy.
type SimulatedPlanner struct {
	// FailWith, when set, makes every invocation fail with this error.
	FailWith error
}

// categoryNeeds maps a damage category to the resource types it consumes, in
// allocation order.
var categoryNeeds = map[string][]string{
	"flooding":          {"Water Filters", "Meals"},
	"building_collapse": {"Heavy Machinery", "Medical Kits", "Tents"},
	"road_cut":          {"Heavy Machinery", "Fuel"},
	"bridge_damage":     {"Heavy Machinery", "Fuel"},
	"landslide":         {"Heavy Machinery", "Medical Kits"},
}

// GeneratePlan emits one action per needed resource type, bounded by the
// inventory snapshot. Higher-confidence findings are served first.
func (p *SimulatedPlanner) GeneratePlan(_ context.Context, req *pipeline.Request, report *pipeline.DamageReport, inv *pipeline.InventorySnapshot) ([]pipeline.DeploymentAction, error) {
	if p.FailWith != nil {
		return nil, p.FailWith
	}

	findings := make([]pipeline.Finding, len(report.Findings))
	copy(findings, report.Findings)
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Confidence > findings[j].Confidence
	})

	remaining := make(map[string]int, len(inv.Stock))
	for resource, qty := range inv.Stock {
		remaining[resource] = qty
	}

	var actions []pipeline.DeploymentAction
	sequence := 1
	for priority, finding := range findings {
		needs, ok := categoryNeeds[finding.Category]
		if !ok {
			needs = []string{"Meals"}
		}
		for _, resource := range needs {
			avail := remaining[resource]
			if avail == 0 {
				continue
			}
			// Spread stock across findings rather than draining it on the
			// first one.
			qty := avail / (len(findings) - priority)
			if qty == 0 {
				qty = 1
			}
			remaining[resource] = avail - qty
			actions = append(actions, pipeline.DeploymentAction{
				Sequence:     sequence,
				ResourceType: resource,
				Quantity:     qty,
				Destination:  finding.Location,
				Priority:     priority + 1,
			})
			sequence++
		}
	}

	if len(actions) == 0 {
		return nil, fmt.Errorf("no deployable inventory for %d findings in %s", len(findings), req.Region)
	}
	return actions, nil
}
