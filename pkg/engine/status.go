package engine

import (
	"context"
	"errors"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
)

// RequestView aggregates everything known about a request id across the three
// collections. Report and Plan are nil when the stage has not produced a
// record yet.
type RequestView struct {
	Request *pipeline.Request       `json:"request"`
	Report  *pipeline.DamageReport  `json:"damage_report,omitempty"`
	Plan    *pipeline.LogisticsPlan `json:"logistics_plan,omitempty"`
}

// BuildRequestView assembles the aggregate view for one request id. A missing
// request is an error; missing stage records are not.
func BuildRequestView(ctx context.Context, store stores.Store, requestID string) (*RequestView, error) {
	req, err := store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	view := &RequestView{Request: req}

	report, err := store.GetDamageReport(ctx, requestID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}
	view.Report = report

	plan, err := store.GetLogisticsPlan(ctx, requestID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}
	view.Plan = plan

	return view, nil
}
