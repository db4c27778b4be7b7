package providers

import (
	"context"

	"github.com/reliefmesh/reliefmesh/pkg/engine"
)

// MapAOIResolver resolves areas of interest from a fixed region table.
// Unknown regions resolve to an empty AOI, which is valid: the analysis
// function falls back to the imagery footprint.
type MapAOIResolver map[string]string

// ResolveAOI looks the region up in the table.
func (m MapAOIResolver) ResolveAOI(_ context.Context, region string) (string, error) {
	return m[region], nil
}

// Interface conformance checks for the external-function adapters.
var (
	_ engine.ImageryAnalyzer = (*SimulatedAnalyzer)(nil)
	_ engine.ImageryAnalyzer = (*HTTPAnalyzer)(nil)
	_ engine.PlanGenerator   = (*SimulatedPlanner)(nil)
	_ engine.PlanGenerator   = (*HTTPPlanner)(nil)
	_ engine.InventorySource = (*StaticInventory)(nil)
	_ engine.InventorySource = (*FileInventory)(nil)
	_ engine.AOIResolver     = MapAOIResolver(nil)
)
