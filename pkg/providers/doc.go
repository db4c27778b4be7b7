// Package providers contains the concrete external-function adapters
// behind the engine's analyzer, planner, and inventory interfaces.
//
// Two families exist: simulated implementations that derive deterministic
// output from the request ID (used for local runs and tests), and HTTP
// implementations that call out to real assessment and planning services.
// Inventory comes from a static table or a YAML file with optional
// fsnotify-driven hot reload.
package providers
