// Package domain defines the core types shared by the pipeline engine, the
// batch summarizer and their collaborators.
//
// This package contains pure domain types with ZERO external dependencies
// outside the Go standard library. Nodes, edges and snapshots are declared by
// the authoring collaborator and only read by the engine for the duration of
// one run; summary caches are owned by the summarizer.
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
