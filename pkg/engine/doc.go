// Package engine implements the pipeline coordination core: the intake
// router, the two trigger-driven stage handlers, and the reconciler that
// repairs crash windows.
//
// The correctness model rests on three mechanisms working together:
//
//   - Conditional-create claims. The first store write of each stage is a
//     create-if-absent of the stage record keyed by request id. Exactly one
//     concurrent worker acquires it; everyone else treats the trigger as a
//     no-op or recovery probe.
//
//   - Guarded terminal updates. A stage record moves from its in-progress
//     status to complete or failed through an update guarded on the
//     in-progress status, so the terminal transition happens at most once no
//     matter how many deliveries race.
//
//   - Record-then-trigger ordering. Every producer makes its record durable
//     before publishing the trigger that announces it, and every consumer
//     treats a missing upstream record as a retryable precondition failure.
//
// Deliveries are at-least-once and unordered. Handlers classify their
// failures (see package pipeline): precondition and transient errors ask the
// bus for redelivery with backoff, external-function failures are recorded as
// terminal stage state and acknowledged, and duplicate or lost-race outcomes
// are acknowledged silently.
package engine
