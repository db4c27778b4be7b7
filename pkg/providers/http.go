package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

// HTTPAnalyzer calls a remote damage-analysis function over HTTP. The remote
// contract is a single POST of the request record; the response body carries
// the findings.
type HTTPAnalyzer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPAnalyzer creates an analyzer against the given endpoint.
func NewHTTPAnalyzer(endpoint string, timeout time.Duration) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &HTTPAnalyzer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type analyzeResponse struct {
	Findings []pipeline.Finding `json:"findings"`
}

// Analyze posts the request record and decodes the findings.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req *pipeline.Request) ([]pipeline.Finding, error) {
	var resp analyzeResponse
	if err := postJSON(ctx, a.client, a.endpoint, req, &resp); err != nil {
		return nil, fmt.Errorf("analysis function: %w", err)
	}
	return resp.Findings, nil
}

// HTTPPlanner calls a remote logistics-planning function over HTTP.
type HTTPPlanner struct {
	endpoint string
	client   *http.Client
}

// NewHTTPPlanner creates a planner against the given endpoint.
func NewHTTPPlanner(endpoint string, timeout time.Duration) *HTTPPlanner {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &HTTPPlanner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type planRequest struct {
	Request   *pipeline.Request          `json:"request"`
	Report    *pipeline.DamageReport     `json:"damage_report"`
	Inventory *pipeline.InventorySnapshot `json:"inventory"`
}

type planResponse struct {
	Actions []pipeline.DeploymentAction `json:"actions"`
}

// GeneratePlan posts the findings and inventory and decodes the actions.
func (p *HTTPPlanner) GeneratePlan(ctx context.Context, req *pipeline.Request, report *pipeline.DamageReport, inv *pipeline.InventorySnapshot) ([]pipeline.DeploymentAction, error) {
	body := planRequest{Request: req, Report: report, Inventory: inv}
	var resp planResponse
	if err := postJSON(ctx, p.client, p.endpoint, body, &resp); err != nil {
		return nil, fmt.Errorf("planning function: %w", err)
	}
	return resp.Actions, nil
}

// postJSON posts a JSON body and decodes a JSON response. Any non-2xx status
// is an error carrying the response body for diagnosis.
func postJSON(ctx context.Context, client *http.Client, endpoint string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return fmt.Errorf("endpoint returned %d: %s", httpResp.StatusCode, bytes.TrimSpace(detail))
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
