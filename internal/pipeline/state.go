package pipeline

import (
	"fmt"
	"sync"

	"cmdforge/internal/events"
	"cmdforge/internal/types"
)

// Transition validates one lifecycle step of a submission.
func Transition(from, to types.State) error {
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	return nil
}

func isAllowedTransition(from, to types.State) bool {
	if to == types.StateCancelled {
		return !from.Terminal()
	}
	switch from {
	case types.StatePending:
		return to == types.StateScanning
	case types.StateScanning:
		return to == types.StateReasoning || to == types.StateRejected
	case types.StateReasoning:
		return to == types.StateSandboxing || to == types.StateAccepted || to == types.StateRejected
	case types.StateSandboxing:
		return to == types.StateAccepted || to == types.StateRejected
	default:
		return false
	}
}

// tracker holds the current state of one submission and publishes every
// transition and layer completion.
type tracker struct {
	mu         sync.Mutex
	artifactID string
	state      types.State
	obs        Observer
}

func newTracker(artifactID string, obs Observer) *tracker {
	return &tracker{artifactID: artifactID, state: types.StatePending, obs: obs}
}

func (t *tracker) to(next types.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := Transition(t.state, next); err != nil {
		return err
	}
	t.state = next
	t.publish(events.Event{State: next})
	return nil
}

func (t *tracker) layer(res types.LayerResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publish(events.Event{State: t.state, Layer: res.Layer, Outcome: res.Outcome, Reason: res.Reason.String()})
}

func (t *tracker) finish(next types.State, verdict types.Verdict) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := Transition(t.state, next); err != nil {
		return err
	}
	t.state = next
	t.publish(events.Event{State: next, Verdict: verdict})
	return nil
}

// publish must be called with mu held.
func (t *tracker) publish(ev events.Event) {
	if t.obs == nil {
		return
	}
	ev.ArtifactID = t.artifactID
	t.obs.Publish(ev)
}
