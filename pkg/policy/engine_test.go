package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func validSubmission() *pipeline.IntakeSubmission {
	return &pipeline.IntakeSubmission{
		Region:           "Cebu Province, Philippines",
		EventName:        "Typhoon Kalmaegi",
		PreEventImagery:  []string{"gs://imagery/cebu/pre-01.tif"},
		PostEventImagery: []string{"gs://imagery/cebu/post-01.tif"},
	}
}

func TestBuiltinPoliciesCompile(t *testing.T) {
	engine := newTestEngine(t)

	for _, p := range GetBuiltinPolicies() {
		if _, err := engine.GetPolicy(p.Name); err != nil {
			t.Errorf("builtin %s not loaded: %v", p.Name, err)
		}
	}
}

func TestValidSubmissionAdmitted(t *testing.T) {
	engine := newTestEngine(t)

	result, err := engine.Evaluate(context.Background(), validSubmission())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("valid submission rejected: %v", result.Reasons())
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestMissingPostEventImageryRejected(t *testing.T) {
	engine := newTestEngine(t)

	sub := validSubmission()
	sub.PostEventImagery = nil

	result, err := engine.Evaluate(context.Background(), sub)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("submission without post-event imagery should be rejected")
	}
	found := false
	for _, v := range result.Violations {
		if v.Policy == "post-event-imagery-required" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected post-event-imagery-required violation, got %v", result.Violations)
	}
}

func TestBadImagerySchemeRejected(t *testing.T) {
	engine := newTestEngine(t)

	sub := validSubmission()
	sub.PostEventImagery = []string{"ftp://imagery/cebu/post-01.tif"}

	result, err := engine.Evaluate(context.Background(), sub)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("submission with ftp imagery should be rejected")
	}
}

func TestEmptyRegionRejected(t *testing.T) {
	engine := newTestEngine(t)

	sub := validSubmission()
	sub.Region = "   "

	result, err := engine.Evaluate(context.Background(), sub)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("submission with blank region should be rejected")
	}
}

func TestMissingPreEventImageryWarnsButAdmits(t *testing.T) {
	engine := newTestEngine(t)

	sub := validSubmission()
	sub.PreEventImagery = nil

	result, err := engine.Evaluate(context.Background(), sub)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("missing pre-event imagery should not block: %v", result.Reasons())
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a pre-event imagery warning")
	}
}

func TestLoadPoliciesFromFile(t *testing.T) {
	engine := newTestEngine(t)

	dir := t.TempDir()
	regoFile := filepath.Join(dir, "max-imagery.rego")
	content := `# description: bounds the imagery set per submission
package reliefmesh.custom

deny[msg] {
	count(input.submission.post_event_imagery) > 2
	msg := "too many post-event images"
}
`
	if err := os.WriteFile(regoFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	if err := engine.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	loaded, err := engine.GetPolicy("max-imagery")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if !strings.Contains(loaded.Description, "bounds the imagery set") {
		t.Errorf("description not parsed: %q", loaded.Description)
	}

	sub := validSubmission()
	sub.PostEventImagery = []string{
		"gs://imagery/a.tif", "gs://imagery/b.tif", "gs://imagery/c.tif",
	}
	result, err := engine.Evaluate(context.Background(), sub)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("custom policy should reject three post-event images")
	}
}

func TestDisablePolicy(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.DisablePolicy("pre-event-imagery-recommended"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}

	sub := validSubmission()
	sub.PreEventImagery = nil

	result, err := engine.Evaluate(context.Background(), sub)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("disabled policy still produced warnings: %v", result.Warnings)
	}
}

func TestDisableUnknownPolicy(t *testing.T) {
	engine := newTestEngine(t)
	if err := engine.DisablePolicy("no-such-policy"); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}
