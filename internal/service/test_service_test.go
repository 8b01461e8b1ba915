package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cmdforge/internal/events"
	sourcerepo "cmdforge/internal/gateway/repository/source"
	"cmdforge/internal/history"
	"cmdforge/internal/llm"
	"cmdforge/internal/pipeline"
	"cmdforge/internal/reasoning"
	"cmdforge/internal/registry"
	"cmdforge/internal/sandbox"
	"cmdforge/internal/scan"
	"cmdforge/internal/types"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls []string
	res   types.ExecutionResult
}

func (s *stubExecutor) Execute(_ context.Context, source, _ string, _ sandbox.Limits) (types.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, source)
	return s.res, nil
}

type blockingValidator struct{ started chan string }

func (b *blockingValidator) Validate(ctx context.Context, a types.Artifact, _ bool) types.ValidationResult {
	b.started <- a.ID
	<-ctx.Done()
	return types.ValidationResult{ArtifactID: a.ID, Verdict: types.VerdictReject, Cancelled: true}
}

type env struct {
	svc  *Service
	hist *history.Log
	exec *stubExecutor
	bus  *events.Bus
}

func newEnv(t *testing.T, mutate func(*Deps)) *env {
	t.Helper()
	quiet := log.New(&bytes.Buffer{}, "", 0)
	sc, err := scan.New(scan.DefaultRules())
	require.NoError(t, err)
	hist, err := history.Open(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })
	reg := registry.New(registry.NewMemoryStore(), sourcerepo.NewMemoryStore(), hist)
	reg.SetLogger(quiet)
	bus := events.NewBus(16)
	exec := &stubExecutor{}

	deps := Deps{
		Pipeline: pipeline.New(pipeline.Deps{
			Scanner:  sc,
			Reasoner: reasoning.New(llm.NewFakeClient(), reasoning.Options{Logger: quiet}),
			Sandbox:  exec,
			Policy:   pipeline.Policy{Strict: true},
			Observer: bus,
			Logger:   quiet,
		}),
		Registry:  reg,
		History:   hist,
		Events:    bus,
		Scanner:   sc,
		Sandbox:   exec,
		Generator: llm.NewFakeClient(),
		Workers:   2,
		Logger:    quiet,
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := New(deps)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &env{svc: svc, hist: hist, exec: exec, bus: bus}
}

func (e *env) actions(t *testing.T, f history.Filter) []types.HistoryAction {
	t.Helper()
	entries, err := e.hist.Read(f)
	require.NoError(t, err)
	var out []types.HistoryAction
	for _, en := range entries {
		out = append(out, en.Action)
	}
	return out
}

func TestSubmitAcceptAndSave(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := e.svc.Submit(context.Background(), SubmitRequest{
		Name: "hello", Source: "print('hello')\n", Language: "python", Save: true,
	})
	require.NoError(t, err)
	require.Equal(t, types.VerdictPass, resp.Verdict)
	require.NotNil(t, resp.Command)
	require.Equal(t, 1, resp.Command.Version)
	require.Equal(t, []types.HistoryAction{types.ActionAccepted, types.ActionRegistered}, e.actions(t, history.Filter{Name: "hello"}))

	active, err := e.svc.Active(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, resp.ArtifactID, active.ID)
}

func TestSubmitDuplicateIsAlreadyRegistered(t *testing.T) {
	e := newEnv(t, nil)
	req := SubmitRequest{Name: "hello", Source: "print('hello')\n", Language: "python", Save: true}
	_, err := e.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	resp, err := e.svc.Submit(context.Background(), req)
	require.ErrorIs(t, err, registry.ErrAlreadyRegistered)
	require.Equal(t, types.VerdictPass, resp.Verdict)
	require.NotNil(t, resp.Command)
	require.Equal(t, 1, resp.Command.Version)
	require.Equal(t, []types.HistoryAction{
		types.ActionAccepted, types.ActionRegistered, types.ActionAccepted,
	}, e.actions(t, history.Filter{Name: "hello"}))
}

func TestSubmitRejected(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := e.svc.Submit(context.Background(), SubmitRequest{
		Description: "open a socket", Source: "import socket\nprint(1)\n", Language: "python", Execute: true, Save: true,
	})
	require.NoError(t, err)
	require.Equal(t, types.VerdictReject, resp.Verdict)
	require.Nil(t, resp.Command)
	require.Equal(t, "open-a-socket", resp.Name)
	require.Empty(t, e.exec.calls)

	entries, err := e.hist.Read(history.Filter{ArtifactID: resp.ArtifactID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, types.ActionRejected, entries[0].Action)
	require.Equal(t, "static: SecurityViolation{import socket}", entries[0].Reason)
	require.Equal(t, types.Checksum("import socket\nprint(1)\n"), entries[0].Checksum)
}

func TestSubmitRecordsExecution(t *testing.T) {
	e := newEnv(t, nil)
	e.exec.res = types.ExecutionResult{ExitStatus: 0, Stdout: "hi\n"}
	resp, err := e.svc.Submit(context.Background(), SubmitRequest{Source: "print('hi')\n", Language: "python", Execute: true})
	require.NoError(t, err)
	require.Equal(t, types.VerdictPass, resp.Verdict)
	require.NotNil(t, resp.Execution)
	require.Equal(t, "hi\n", resp.Execution.Stdout)

	entries, err := e.hist.Read(history.Filter{ArtifactID: resp.ArtifactID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ExitStatus)
	require.Equal(t, 0, *entries[0].ExitStatus)
}

func TestCancelRunningSubmission(t *testing.T) {
	bv := &blockingValidator{started: make(chan string, 4)}
	e := newEnv(t, func(d *Deps) { d.Pipeline = bv })

	id, done, err := e.svc.Enqueue(SubmitRequest{Source: "print(1)", Language: "python"})
	require.NoError(t, err)
	require.Equal(t, id, <-bv.started)
	require.True(t, e.svc.Cancel(id))

	select {
	case resp := <-done:
		require.True(t, resp.Result.Cancelled)
		require.Equal(t, types.VerdictReject, resp.Verdict)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled submission did not finish")
	}
	require.Equal(t, []types.HistoryAction{types.ActionCancelled}, e.actions(t, history.Filter{ArtifactID: id}))
	require.False(t, e.svc.Cancel(id), "finished submissions are no longer pending")
}

func TestSubmitContextCancellation(t *testing.T) {
	bv := &blockingValidator{started: make(chan string, 4)}
	e := newEnv(t, func(d *Deps) { d.Pipeline = bv })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-bv.started
		cancel()
	}()
	resp, err := e.svc.Submit(ctx, SubmitRequest{Source: "print(1)", Language: "python"})
	require.NoError(t, err)
	require.True(t, resp.Result.Cancelled)
}

func TestQueueFull(t *testing.T) {
	bv := &blockingValidator{started: make(chan string, 4)}
	e := newEnv(t, func(d *Deps) {
		d.Pipeline = bv
		d.Workers = 1
		d.QueueSize = 1
	})
	req := SubmitRequest{Source: "print(1)", Language: "python"}
	_, _, err := e.svc.Enqueue(req)
	require.NoError(t, err)
	<-bv.started
	_, _, err = e.svc.Enqueue(req)
	require.NoError(t, err)
	_, _, err = e.svc.Enqueue(req)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueValidation(t *testing.T) {
	e := newEnv(t, nil)
	_, _, err := e.svc.Enqueue(SubmitRequest{Language: "python"})
	require.ErrorContains(t, err, "source is required")
	_, _, err = e.svc.Enqueue(SubmitRequest{Source: "x"})
	require.ErrorContains(t, err, "language is required")

	e.svc.Close()
	_, _, err = e.svc.Enqueue(SubmitRequest{Source: "x", Language: "python"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRunRegisteredCommand(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.svc.Submit(context.Background(), SubmitRequest{Name: "hello", Source: "print('hello')\n", Language: "python", Save: true})
	require.NoError(t, err)

	e.exec.res = types.ExecutionResult{Stdout: "hello\n"}
	res, err := e.svc.Run(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "hello\n", res.Stdout)
	require.Equal(t, []string{"print('hello')\n"}, e.exec.calls)

	actions := e.actions(t, history.Filter{Name: "hello"})
	require.Equal(t, types.ActionExecuted, actions[len(actions)-1])

	_, err = e.svc.Run(context.Background(), "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

type failingScanner struct{}

func (failingScanner) Scan(context.Context, string, string) scan.Report {
	return scan.Report{Violations: []types.Violation{{Kind: types.KindSecurityViolation, Pattern: "eval"}}}
}

func TestRunRescansBeforeExecuting(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.svc.Submit(context.Background(), SubmitRequest{Name: "hello", Source: "print('hello')\n", Language: "python", Save: true})
	require.NoError(t, err)

	e.svc.deps.Scanner = failingScanner{}
	_, err = e.svc.Run(context.Background(), "hello")
	require.ErrorIs(t, err, ErrRescanFailed)
	require.Empty(t, e.exec.calls)
}

func TestRollbackPassThrough(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	for _, src := range []string{"print(1)\n", "print(2)\n"} {
		_, err := e.svc.Submit(ctx, SubmitRequest{Name: "n", Source: src, Language: "python", Save: true})
		require.NoError(t, err)
	}
	cmd, err := e.svc.Rollback(ctx, "n", 1)
	require.NoError(t, err)
	require.Equal(t, 1, cmd.Version)

	_, err = e.svc.Rollback(ctx, "n", 5)
	require.ErrorIs(t, err, registry.ErrVersionNotFound)

	cmds, err := e.svc.Commands(ctx)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	_, err = e.svc.Retire(ctx, "n")
	require.NoError(t, err)
	_, err = e.svc.Active(ctx, "n")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSubscribeSeesStates(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := e.svc.Subscribe(ctx, "")
	require.NoError(t, err)

	resp, err := e.svc.Submit(context.Background(), SubmitRequest{Source: "print(1)\n", Language: "python"})
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			require.Equal(t, resp.ArtifactID, ev.ArtifactID)
			if ev.State == types.StateAccepted {
				return
			}
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
}

func TestGenerate(t *testing.T) {
	gen := llm.NewFakeClient()
	e := newEnv(t, func(d *Deps) { d.Generator = gen })
	resp, err := e.svc.Generate(context.Background(), GenerateRequest{Description: "say hi", Language: "python", Save: true})
	require.NoError(t, err)
	require.Equal(t, types.VerdictPass, resp.Verdict)
	require.Equal(t, "say-hi", resp.Name)
	calls := gen.Calls()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].Prompt, fmt.Sprintf("under %d bytes", scan.DefaultMaxSourceLength))

	active, err := e.svc.Active(context.Background(), "say-hi")
	require.NoError(t, err)
	require.Equal(t, "print(\"say hi\")\n", active.Source)
}

func TestGenerateFailures(t *testing.T) {
	e := newEnv(t, func(d *Deps) {
		d.Generator = llm.NewFakeClient(llm.FakeReply{Err: errors.New("quota")}, llm.FakeReply{Text: "   "})
	})
	_, err := e.svc.Generate(context.Background(), GenerateRequest{Description: "x"})
	require.ErrorContains(t, err, "quota")
	_, err = e.svc.Generate(context.Background(), GenerateRequest{Description: "x"})
	require.ErrorContains(t, err, "no code")
	_, err = e.svc.Generate(context.Background(), GenerateRequest{Description: "  "})
	require.ErrorContains(t, err, "description is required")
}

func TestExtractCode(t *testing.T) {
	cases := map[string]string{
		"```python\nprint(1)\n```":             "print(1)\n",
		"Here:\n```\necho hi\n```\nthanks":     "echo hi\n",
		"print(2)":                             "print(2)\n",
		"```go\npackage main\n\n```\n```x\n```": "package main\n",
		"":                                     "",
	}
	for in, want := range cases {
		require.Equal(t, want, ExtractCode(in), in)
	}
}

type pickyExecutor struct {
	*stubExecutor
	langs map[string]bool
}

func (p pickyExecutor) Supports(lang string) bool { return p.langs[lang] }

func TestEnqueueRejectsExecutionWithoutInterpreter(t *testing.T) {
	picky := pickyExecutor{stubExecutor: &stubExecutor{}, langs: map[string]bool{"python": true}}
	e := newEnv(t, func(d *Deps) { d.Sandbox = picky })

	_, _, err := e.svc.Enqueue(SubmitRequest{Source: "echo hi\n", Language: "sh", Execute: true})
	require.ErrorIs(t, err, ErrUnsupportedLanguage)
	require.ErrorContains(t, err, "shell")

	// without execution the scanner alone decides
	resp, err := e.svc.Submit(context.Background(), SubmitRequest{Source: "echo hi\n", Language: "sh"})
	require.NoError(t, err)
	require.Equal(t, types.VerdictPass, resp.Verdict)
}
