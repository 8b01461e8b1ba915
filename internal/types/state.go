package types

// State is the lifecycle position of one submission.
type State string

const (
	StatePending    State = "Pending"
	StateScanning   State = "Scanning"
	StateReasoning  State = "Reasoning"
	StateSandboxing State = "Sandboxing"
	StateAccepted   State = "Accepted"
	StateRejected   State = "Rejected"
	StateCancelled  State = "Cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateCancelled
}
