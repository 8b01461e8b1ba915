package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cmdforge/internal/types"
)

func layersOf(static, reasoning, sandbox types.LayerOutcome) []types.LayerResult {
	return []types.LayerResult{
		{Layer: types.LayerStatic, Outcome: static},
		{Layer: types.LayerReasoning, Outcome: reasoning},
		{Layer: types.LayerSandbox, Outcome: sandbox},
	}
}

func TestPolicyDecide(t *testing.T) {
	const (
		P = types.OutcomePass
		F = types.OutcomeFail
		E = types.OutcomeError
		T = types.OutcomeTimeout
		S = types.OutcomeSkipped
	)
	cases := []struct {
		name    string
		policy  Policy
		layers  []types.LayerResult
		execute bool
		verdict types.Verdict
		score   int
	}{
		{"all pass", Policy{Strict: true}, layersOf(P, P, P), true, types.VerdictPass, 100},
		{"not requested", Policy{Strict: true}, layersOf(P, P, S), false, types.VerdictPass, 100},
		{"requested but skipped", Policy{Strict: true}, layersOf(P, P, S), true, types.VerdictReject, 100},
		{"static fail", Policy{Strict: true}, layersOf(F, S, S), false, types.VerdictReject, 35},
		{"reasoning fail", Policy{}, layersOf(P, F, S), false, types.VerdictReject, 75},
		{"reasoning error strict", Policy{Strict: true}, layersOf(P, E, S), false, types.VerdictReject, 75},
		{"reasoning error lenient", Policy{}, layersOf(P, E, S), false, types.VerdictPass, 75},
		{"reasoning timeout lenient", Policy{}, layersOf(P, T, P), true, types.VerdictPass, 75},
		{"sandbox timeout", Policy{}, layersOf(P, P, T), true, types.VerdictReject, 75},
		{"static timeout lenient", Policy{}, layersOf(T, P, S), false, types.VerdictReject, 60},
		{"min score", Policy{MinScore: 80}, layersOf(P, E, S), false, types.VerdictReject, 75},
		{"everything failed", Policy{}, layersOf(F, F, F), true, types.VerdictReject, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, score := tc.policy.Decide(tc.layers, tc.execute)
			require.Equal(t, tc.verdict, v)
			require.Equal(t, tc.score, score)
		})
	}
}

func TestPolicyDecide_CancelledLayerRejects(t *testing.T) {
	layers := layersOf(types.OutcomePass, types.OutcomePass, types.OutcomeSkipped)
	layers[2].Reason = types.Reason{Kind: types.KindCancelled}
	v, _ := Policy{}.Decide(layers, false)
	require.Equal(t, types.VerdictReject, v)
}

func TestScore_FloorsAtZero(t *testing.T) {
	layers := layersOf(types.OutcomeFail, types.OutcomeFail, types.OutcomeFail)
	layers[0].Warnings = make([]string, 10)
	require.Equal(t, 0, Score(layers))
}

func TestTransition(t *testing.T) {
	ok := [][2]types.State{
		{types.StatePending, types.StateScanning},
		{types.StateScanning, types.StateReasoning},
		{types.StateScanning, types.StateRejected},
		{types.StateReasoning, types.StateSandboxing},
		{types.StateReasoning, types.StateAccepted},
		{types.StateSandboxing, types.StateRejected},
		{types.StateSandboxing, types.StateCancelled},
		{types.StatePending, types.StateCancelled},
	}
	for _, tr := range ok {
		require.NoError(t, Transition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	bad := [][2]types.State{
		{types.StatePending, types.StateAccepted},
		{types.StateScanning, types.StateAccepted},
		{types.StateAccepted, types.StateRejected},
		{types.StateRejected, types.StateCancelled},
		{types.StateSandboxing, types.StateScanning},
	}
	for _, tr := range bad {
		require.Error(t, Transition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}
