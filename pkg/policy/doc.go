// Package policy evaluates Rego admission rules against intake submissions.
//
// The engine ships with built-in policies that hold submissions to the
// minimum the pipeline needs: post-event imagery present, fetchable imagery
// URI schemes, and a named region. Operators can layer additional rules by
// pointing the intake configuration at a directory of .rego files; each file
// contributes a deny set under its own package.
//
// Error-severity violations reject the submission at intake with the
// collected reasons. Warning-severity hits are surfaced in the admission
// result but do not block.
package policy
