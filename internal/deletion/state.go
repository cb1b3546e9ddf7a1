package deletion

// Invalidator drops cached archives once a deletion has committed
type Invalidator interface {
	Reset() error
}

// State is the phase a deletion reached
type State string

const (
	StateIdle         State = "idle"
	StateSnapshotting State = "snapshotting"
	StateDeleting     State = "deleting"
	StateCommitted    State = "committed"
	StateRolledBack   State = "rolled_back"
)
