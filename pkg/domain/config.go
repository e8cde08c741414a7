package domain

// SnapshotService publishes the current pipeline snapshots to the engine.
type SnapshotService interface {
	// CurrentSnapshots returns the most recently loaded snapshots.
	CurrentSnapshots() []Snapshot

	// Subscribe to snapshot changes. The current state is delivered immediately.
	Subscribe() <-chan []Snapshot
}
