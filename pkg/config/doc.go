// Package config loads and validates the service configuration.
//
// Configuration is written in CUE and merged over the built-in defaults,
// so a file only needs to name the values it changes. Durations are
// written as Go duration strings ("250ms", "5m"). Struct-level
// constraints are enforced with go-playground/validator after the merge.
package config
