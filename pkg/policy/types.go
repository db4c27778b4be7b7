package policy

import (
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is for findings that should be reviewed but do not
	// block admission.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the submission.
	SeverityError Severity = "error"
)

// Policy represents an admission rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`
}

// Violation represents a single admission policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the outcome of admission evaluation.
type Result struct {
	// Allowed indicates if the submission is admitted.
	Allowed bool `json:"allowed"`

	// Violations lists violations that rejected the submission.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists findings that did not block admission.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation occurred.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Reasons returns the violation messages, for rejection reporting.
func (r *Result) Reasons() []string {
	reasons := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		reasons = append(reasons, v.Message)
	}
	return reasons
}

// Input is the document admission policies evaluate against.
type Input struct {
	// Submission is the intake submission under evaluation.
	Submission *pipeline.IntakeSubmission `json:"submission"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
