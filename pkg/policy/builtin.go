package policy

// GetBuiltinPolicies returns the admission policies that ship with the
// service. File-loaded policies are evaluated alongside these unless a
// built-in is disabled by name.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "post-event-imagery-required",
			Description: "A submission must reference at least one post-event image; analysis has nothing to compare without it.",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package reliefmesh.admission

deny[msg] {
	not has_post_imagery
	msg := "submission has no post-event imagery"
}

has_post_imagery {
	is_array(input.submission.post_event_imagery)
	count(input.submission.post_event_imagery) > 0
}
`,
		},
		{
			Name:        "imagery-scheme",
			Description: "Imagery references must use a fetchable URI scheme.",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package reliefmesh.admission

allowed_schemes := {"gs", "s3", "http", "https"}

deny[msg] {
	uri := input.submission.post_event_imagery[_]
	not scheme_allowed(uri)
	msg := sprintf("post-event imagery %q has an unsupported scheme", [uri])
}

deny[msg] {
	uri := input.submission.pre_event_imagery[_]
	not scheme_allowed(uri)
	msg := sprintf("pre-event imagery %q has an unsupported scheme", [uri])
}

scheme_allowed(uri) {
	parts := split(uri, "://")
	count(parts) > 1
	allowed_schemes[parts[0]]
}
`,
		},
		{
			Name:        "region-named",
			Description: "A submission must name the affected region.",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package reliefmesh.admission

deny[msg] {
	trim_space(input.submission.region) == ""
	msg := "submission does not name a region"
}
`,
		},
		{
			Name:        "pre-event-imagery-recommended",
			Description: "Change detection degrades without a pre-event baseline.",
			Severity:    SeverityWarning,
			Enabled:     true,
			Rego: `package reliefmesh.admission

deny[msg] {
	not has_baseline
	msg := "submission has no pre-event imagery; analysis will run without a baseline"
}

has_baseline {
	is_array(input.submission.pre_event_imagery)
	count(input.submission.pre_event_imagery) > 0
}
`,
		},
	}
}
