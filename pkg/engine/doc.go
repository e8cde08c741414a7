// Package engine runs pipeline snapshots.
//
// executor.go     - sequential topological walk with condition gating, retries, and cancellation
// autochain.go    - reactive execution of auto-chain edges after an out-of-band completion
// registry.go     - current snapshot per pipeline, one active run per pipeline
// simulator.go    - side-effect-free dry runs with canned agent responses
// http_handler.go - HTTP API over the registry and the shared output store
package engine
