// Package stores provides the durable state store shared by all pipeline
// stages, backed by SQLite with embedded schema migrations. Its conditional
// create (the claim primitive) is the single correctness-critical operation
// the rest of the system composes around.
package stores
