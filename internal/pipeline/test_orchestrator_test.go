package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cmdforge/internal/events"
	"cmdforge/internal/llm"
	"cmdforge/internal/reasoning"
	"cmdforge/internal/sandbox"
	"cmdforge/internal/scan"
	"cmdforge/internal/types"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls int
	res   types.ExecutionResult
	err   error
}

func (s *stubExecutor) Execute(ctx context.Context, _, _ string, _ sandbox.Limits) (types.ExecutionResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.res, s.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []types.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.State
	for _, ev := range r.events {
		if ev.Layer == "" {
			out = append(out, ev.State)
		}
	}
	return out
}

type fixture struct {
	orch *Orchestrator
	fake *llm.FakeClient
	exec *stubExecutor
	obs  *recorder
}

func newFixture(t *testing.T, policy Policy, replies ...llm.FakeReply) *fixture {
	t.Helper()
	sc, err := scan.New(scan.DefaultRules())
	require.NoError(t, err)
	quiet := log.New(&bytes.Buffer{}, "", 0)
	fake := llm.NewFakeClient(replies...)
	f := &fixture{fake: fake, exec: &stubExecutor{}, obs: &recorder{}}
	f.orch = New(Deps{
		Scanner:  sc,
		Reasoner: reasoning.New(fake, reasoning.Options{Timeout: 5 * time.Second, Logger: quiet}),
		Sandbox:  f.exec,
		Policy:   policy,
		Observer: f.obs,
		Logger:   quiet,
	})
	return f
}

func artifact(src string) types.Artifact {
	return types.Artifact{ID: "a1", Source: src, Language: "python"}
}

func outcomes(res types.ValidationResult) []types.LayerOutcome {
	var out []types.LayerOutcome
	for _, l := range res.Layers {
		out = append(out, l.Outcome)
	}
	return out
}

func TestValidate_CleanPasses(t *testing.T) {
	f := newFixture(t, Policy{Strict: true})
	res := f.orch.Validate(context.Background(), artifact("print('hi')\n"), false)

	require.Equal(t, types.VerdictPass, res.Verdict)
	require.Equal(t, 100, res.Score)
	require.Equal(t, []types.LayerOutcome{types.OutcomePass, types.OutcomePass, types.OutcomeSkipped}, outcomes(res))
	require.Equal(t, "execution not requested", res.Layers[2].Reason.String())
	require.Zero(t, f.exec.calls)
	require.Equal(t, []types.State{types.StateScanning, types.StateReasoning, types.StateAccepted}, f.obs.states())
}

func TestValidate_PrefilterFailureNeverInvokesReasoning(t *testing.T) {
	f := newFixture(t, Policy{Strict: true})
	res := f.orch.Validate(context.Background(), artifact("import socket\nprint(1)\n"), true)

	require.Equal(t, types.VerdictReject, res.Verdict)
	static, _ := res.Layer(types.LayerStatic)
	require.Equal(t, types.OutcomeFail, static.Outcome)
	require.Equal(t, "SecurityViolation{import socket}", static.Reason.String())
	require.Len(t, static.Violations, 1, "structural duplicate of the textual finding is merged")
	require.Empty(t, f.fake.Calls())
	require.Zero(t, f.exec.calls)

	r, _ := res.Layer(types.LayerReasoning)
	require.Equal(t, types.OutcomeSkipped, r.Outcome)
	sb, _ := res.Layer(types.LayerSandbox)
	require.Equal(t, types.OutcomeSkipped, sb.Outcome)
	require.Equal(t, "blocked by static", sb.Reason.String())
	require.Equal(t, 35, res.Score)
	require.Equal(t, "static: SecurityViolation{import socket}", res.Summary())
	require.Equal(t, []types.State{types.StateScanning, types.StateRejected}, f.obs.states())
}

func TestValidate_PrefilterKeepsStructuralFindingsForAudit(t *testing.T) {
	f := newFixture(t, Policy{Strict: true})
	res := f.orch.Validate(context.Background(), artifact("import socket\nimport os as o\no.system('ls')\n"), false)
	static, _ := res.Layer(types.LayerStatic)
	var labels []string
	for _, v := range static.Violations {
		labels = append(labels, v.Pattern)
	}
	require.Contains(t, labels, "import socket")
	require.Contains(t, labels, "os.system")
}

func TestValidate_SourceTooLong(t *testing.T) {
	f := newFixture(t, Policy{Strict: true})
	res := f.orch.Validate(context.Background(), artifact(strings.Repeat("x", scan.DefaultMaxSourceLength+1)), false)
	static, _ := res.Layer(types.LayerStatic)
	require.Equal(t, types.KindSourceTooLong, static.Reason.Kind)
	require.Len(t, static.Violations, 1)
	require.Empty(t, f.fake.Calls())
}

func TestValidate_ReasoningRejects(t *testing.T) {
	f := newFixture(t, Policy{Strict: true}, llm.FakeReply{Text: "UNSAFE"})
	res := f.orch.Validate(context.Background(), artifact("print(1)\n"), true)
	require.Equal(t, types.VerdictReject, res.Verdict)
	r, _ := res.Layer(types.LayerReasoning)
	require.Equal(t, "ReasoningRejected{UNSAFE}", r.Reason.String())
	require.Zero(t, f.exec.calls)
	require.Equal(t, 75, res.Score)
}

func TestValidate_ReasoningUnavailableStrictVsLenient(t *testing.T) {
	down := llm.FakeReply{Err: errors.New("connection refused")}

	strict := newFixture(t, Policy{Strict: true}, down)
	res := strict.orch.Validate(context.Background(), artifact("print(1)\n"), false)
	require.Equal(t, types.VerdictReject, res.Verdict)
	require.Equal(t, types.OutcomeError, res.Layers[1].Outcome)

	lenient := newFixture(t, Policy{Strict: false}, down)
	res = lenient.orch.Validate(context.Background(), artifact("print(1)\n"), false)
	require.Equal(t, types.VerdictPass, res.Verdict)
	require.Equal(t, 75, res.Score)
}

func TestValidate_StaticFailureCancelsReasoning(t *testing.T) {
	f := newFixture(t, Policy{Strict: true}, llm.FakeReply{Text: "SAFE", Delay: 5 * time.Second})
	start := time.Now()
	res := f.orch.Validate(context.Background(), artifact("def f(:\n    pass\n"), false)

	require.Less(t, time.Since(start), 3*time.Second)
	require.Equal(t, types.VerdictReject, res.Verdict)
	require.False(t, res.Cancelled)
	static, _ := res.Layer(types.LayerStatic)
	require.Equal(t, types.KindSyntaxError, static.Reason.Kind)
	r, _ := res.Layer(types.LayerReasoning)
	require.Equal(t, types.OutcomeSkipped, r.Outcome)
	require.Equal(t, "Cancelled{static failed}", r.Reason.String())
	require.Equal(t, "static: "+static.Reason.String(), res.Summary())
}

func TestValidate_ReasoningTimeout(t *testing.T) {
	sc, err := scan.New(scan.DefaultRules())
	require.NoError(t, err)
	quiet := log.New(&bytes.Buffer{}, "", 0)
	fake := llm.NewFakeClient(llm.FakeReply{Text: "SAFE", Delay: 5 * time.Second})
	orch := New(Deps{
		Scanner:  sc,
		Reasoner: reasoning.New(fake, reasoning.Options{Timeout: 30 * time.Millisecond, Logger: quiet}),
		Policy:   Policy{Strict: true},
		Logger:   quiet,
	})
	res := orch.Validate(context.Background(), artifact("print(1)\n"), false)
	require.Equal(t, types.VerdictReject, res.Verdict)
	require.Equal(t, "ValidationTimeout{reasoning}", res.Layers[1].Reason.String())
	require.Equal(t, types.OutcomeTimeout, res.Layers[1].Outcome)
}

func TestValidate_SandboxOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		res     types.ExecutionResult
		err     error
		outcome types.LayerOutcome
		reason  string
		verdict types.Verdict
	}{
		{"pass", types.ExecutionResult{Stdout: "ok"}, nil, types.OutcomePass, "", types.VerdictPass},
		{"exit", types.ExecutionResult{ExitStatus: 2}, nil, types.OutcomeFail, "SandboxNonZeroExit{2}", types.VerdictReject},
		{"memory", types.ExecutionResult{ExitStatus: 137, ResourceExceeded: "memory"}, nil, types.OutcomeFail, "SandboxResourceExceeded{memory}", types.VerdictReject},
		{"timeout", types.ExecutionResult{TimedOut: true, ExitStatus: 137}, nil, types.OutcomeTimeout, "SandboxTimeout", types.VerdictReject},
		{"infra", types.ExecutionResult{}, types.NewInternalError("sandbox spawn", errors.New("EAGAIN")), types.OutcomeError, "InternalError{internal error: sandbox spawn: EAGAIN}", types.VerdictReject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Policy{Strict: true})
			f.exec.res, f.exec.err = tc.res, tc.err
			res := f.orch.Validate(context.Background(), artifact("print(1)\n"), true)
			sb, _ := res.Layer(types.LayerSandbox)
			require.Equal(t, tc.outcome, sb.Outcome)
			require.Equal(t, tc.reason, sb.Reason.String())
			require.Equal(t, tc.verdict, res.Verdict)
			require.Equal(t, 1, f.exec.calls)
			if tc.err == nil {
				require.NotNil(t, res.Execution)
			}
		})
	}
}

func TestValidate_ParentCancellation(t *testing.T) {
	f := newFixture(t, Policy{Strict: true}, llm.FakeReply{Text: "SAFE", Delay: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res := f.orch.Validate(ctx, artifact("print(1)\n"), true)

	require.True(t, res.Cancelled)
	require.Equal(t, types.VerdictReject, res.Verdict)
	for _, l := range res.Layers {
		require.Equal(t, types.OutcomeSkipped, l.Outcome, l.Layer)
		require.Equal(t, types.KindCancelled, l.Reason.Kind, l.Layer)
	}
	require.Zero(t, f.exec.calls)
	states := f.obs.states()
	require.Equal(t, types.StateCancelled, states[len(states)-1])
}

func TestValidate_WarningsLowerScore(t *testing.T) {
	f := newFixture(t, Policy{Strict: true, MinScore: 90})
	res := f.orch.Validate(context.Background(), artifact("while True:\n    pass\n"), false)
	static, _ := res.Layer(types.LayerStatic)
	require.Len(t, static.Warnings, 1)
	require.Equal(t, 95, res.Score)
	require.Equal(t, types.VerdictPass, res.Verdict)

	f = newFixture(t, Policy{Strict: true, MinScore: 99})
	res = f.orch.Validate(context.Background(), artifact("while True:\n    pass\n"), false)
	require.Equal(t, types.VerdictReject, res.Verdict)
}

func TestValidate_BusyLoopTimesOutInRealSandbox(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	if testing.Short() {
		t.Skip("burns a CPU second")
	}
	sc, err := scan.New(scan.DefaultRules())
	require.NoError(t, err)
	quiet := log.New(&bytes.Buffer{}, "", 0)
	// same cpu:wall ratio as the configuration defaults
	runner, err := sandbox.New(sandbox.Options{
		Limits: sandbox.Limits{
			CPUTime:   time.Second,
			WallClock: 3 * time.Second,
			Isolation: sandbox.IsolationRlimits,
		},
		ScratchRoot:   t.TempDir(),
		MaxConcurrent: 1,
		Logger:        quiet,
	})
	require.NoError(t, err)
	orch := New(Deps{
		Scanner:  sc,
		Reasoner: reasoning.New(llm.NewFakeClient(llm.FakeReply{Text: "SAFE"}), reasoning.Options{Timeout: 5 * time.Second, Logger: quiet}),
		Sandbox:  runner,
		Policy:   Policy{Strict: true},
		Logger:   quiet,
	})

	start := time.Now()
	res := orch.Validate(context.Background(), artifact("while True: pass"), true)

	require.Less(t, time.Since(start), 10*time.Second)
	static, _ := res.Layer(types.LayerStatic)
	require.Equal(t, types.OutcomePass, static.Outcome)
	r, _ := res.Layer(types.LayerReasoning)
	require.Equal(t, types.OutcomePass, r.Outcome)
	sb, _ := res.Layer(types.LayerSandbox)
	require.Equal(t, types.OutcomeTimeout, sb.Outcome)
	require.Equal(t, "SandboxTimeout", sb.Reason.String())
	require.Equal(t, types.VerdictReject, res.Verdict)
	require.NotNil(t, res.Execution)
	require.True(t, res.Execution.TimedOut)
}
