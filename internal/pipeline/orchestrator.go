package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"cmdforge/internal/events"
	"cmdforge/internal/sandbox"
	"cmdforge/internal/scan"
	"cmdforge/internal/types"
)

const DefaultScanTimeout = 5 * time.Second

type Scanner interface {
	Prefilter(source, language string) scan.Report
	Analyze(ctx context.Context, source, language string) scan.Report
}

type Reasoner interface {
	Assess(ctx context.Context, source, language string) types.LayerResult
}

type Executor interface {
	Execute(ctx context.Context, source, language string, limits sandbox.Limits) (types.ExecutionResult, error)
}

// Observer receives state transitions and layer completions.
type Observer interface {
	Publish(events.Event)
}

type Deps struct {
	Scanner     Scanner
	Reasoner    Reasoner
	Sandbox     Executor
	Policy      Policy
	Observer    Observer
	ScanTimeout time.Duration
	Logger      *log.Logger
}

// Orchestrator runs the validation layers for one artifact at a time; it is
// safe for concurrent use by many submissions.
type Orchestrator struct {
	deps Deps
	log  *log.Logger
}

func New(deps Deps) *Orchestrator {
	if deps.ScanTimeout <= 0 {
		deps.ScanTimeout = DefaultScanTimeout
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	return &Orchestrator{deps: deps, log: deps.Logger}
}

func (o *Orchestrator) Policy() Policy { return o.deps.Policy }

// errBlocked cancels the sibling layer in the concurrent step.
var errBlocked = errors.New("layer blocked")

// Validate runs the layers and returns a verdict. It never fails: every
// fault is recorded on a layer result.
func (o *Orchestrator) Validate(ctx context.Context, a types.Artifact, execute bool) types.ValidationResult {
	lang := types.NormalizeLanguage(a.Language)
	tr := newTracker(a.ID, o.deps.Observer)
	res := types.ValidationResult{
		ArtifactID:         a.ID,
		ExecutionRequested: execute,
		Strict:             o.deps.Policy.Strict,
	}
	layers := map[types.LayerName]types.LayerResult{}
	record := func(l types.LayerResult) {
		layers[l.Layer] = l
		tr.layer(l)
	}

	_ = tr.to(types.StateScanning)
	if ctx.Err() == nil {
		o.scanAndReason(ctx, a.Source, lang, tr, record)
	}

	if _, done := layers[types.LayerReasoning]; done && ctx.Err() == nil {
		blocker := o.blocker(layers)
		switch {
		case !execute:
			record(types.Skipped(types.LayerSandbox, types.Reason{Detail: "execution not requested"}))
		case blocker != "":
			record(types.Skipped(types.LayerSandbox, types.Reason{Detail: "blocked by " + string(blocker)}))
		default:
			_ = tr.to(types.StateSandboxing)
			sb, er := o.sandbox(ctx, a.Source, lang)
			res.Execution = er
			record(sb)
		}
	}

	if ctx.Err() != nil {
		res.Cancelled = true
		for _, name := range types.Layers {
			if _, ok := layers[name]; !ok {
				layers[name] = types.Skipped(name, types.Reason{Kind: types.KindCancelled})
			}
		}
	}
	for _, name := range types.Layers {
		res.Layers = append(res.Layers, layers[name])
	}
	res.Verdict, res.Score = o.deps.Policy.Decide(res.Layers, execute)

	switch {
	case res.Cancelled:
		_ = tr.finish(types.StateCancelled, res.Verdict)
	case res.Verdict == types.VerdictPass:
		_ = tr.finish(types.StateAccepted, res.Verdict)
	default:
		_ = tr.finish(types.StateRejected, res.Verdict)
	}
	o.log.Printf("pipeline: artifact %s verdict=%s score=%d (%s)", a.ID, res.Verdict, res.Score, res.Summary())
	return res
}

// scanAndReason runs the synchronous prefilter and then the structural scan
// and the reasoning check concurrently. Whatever it records, both layers are
// present afterwards unless the parent context was cancelled.
func (o *Orchestrator) scanAndReason(ctx context.Context, source, lang string, tr *tracker, record func(types.LayerResult)) {
	pre := o.deps.Scanner.Prefilter(source, lang)
	if pre.Failed() {
		static := pre.Result()
		if v, _ := pre.First(); v.Rule == scan.RuleTextual {
			sctx, cancel := context.WithTimeout(ctx, o.deps.ScanTimeout)
			full := o.deps.Scanner.Analyze(sctx, source, lang)
			cancel()
			static.Violations = mergeViolations(static.Violations, full.Violations)
			static.Warnings = full.Warnings
		}
		record(static)
		if ctx.Err() != nil {
			return
		}
		record(types.Skipped(types.LayerReasoning, types.Reason{Detail: "blocked by static"}))
		return
	}

	_ = tr.to(types.StateReasoning)
	g, gctx := errgroup.WithContext(ctx)
	var static, reasoning types.LayerResult
	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, o.deps.ScanTimeout)
		defer cancel()
		rep := o.deps.Scanner.Analyze(sctx, source, lang)
		static = rep.Result()
		static.Duration += pre.Duration
		if !rep.Failed() && rep.Err != nil {
			switch {
			case ctx.Err() != nil:
				static = types.Skipped(types.LayerStatic, types.Reason{Kind: types.KindCancelled})
			case errors.Is(rep.Err, context.DeadlineExceeded):
				static = types.LayerResult{
					Layer:   types.LayerStatic,
					Outcome: types.OutcomeTimeout,
					Reason:  types.NewReason(types.KindValidationTimeout, "%s", types.LayerStatic),
				}
			default:
				static = types.Skipped(types.LayerStatic, types.NewReason(types.KindCancelled, "reasoning failed"))
			}
		}
		if o.deps.Policy.blocking(static) && static.Outcome != types.OutcomeSkipped {
			return errBlocked
		}
		return nil
	})
	g.Go(func() error {
		reasoning = o.assess(gctx, source, lang)
		if reasoning.Outcome == types.OutcomeSkipped && ctx.Err() == nil {
			reasoning.Reason = types.NewReason(types.KindCancelled, "static failed")
		}
		if o.deps.Policy.blocking(reasoning) && reasoning.Outcome != types.OutcomeSkipped {
			return errBlocked
		}
		return nil
	})
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}
	record(static)
	record(reasoning)
}

func (o *Orchestrator) assess(ctx context.Context, source, lang string) types.LayerResult {
	if o.deps.Reasoner == nil {
		return types.LayerResult{
			Layer:   types.LayerReasoning,
			Outcome: types.OutcomeError,
			Reason:  types.NewReason(types.KindReasoningUnavailable, "no reasoner configured"),
		}
	}
	return o.deps.Reasoner.Assess(ctx, source, lang)
}

// blocker returns the first layer that stops execution, or "".
func (o *Orchestrator) blocker(layers map[types.LayerName]types.LayerResult) types.LayerName {
	for _, name := range []types.LayerName{types.LayerStatic, types.LayerReasoning} {
		l := layers[name]
		if l.Outcome == types.OutcomeSkipped || o.deps.Policy.blocking(l) {
			return name
		}
	}
	return ""
}

func (o *Orchestrator) sandbox(ctx context.Context, source, lang string) (types.LayerResult, *types.ExecutionResult) {
	start := time.Now()
	res := types.LayerResult{Layer: types.LayerSandbox}
	if o.deps.Sandbox == nil {
		res.Outcome = types.OutcomeError
		res.Reason = types.NewReason(types.KindInternal, "no sandbox configured")
		return res, nil
	}
	er, err := o.deps.Sandbox.Execute(ctx, source, lang, sandbox.Limits{})
	res.Duration = time.Since(start)
	switch {
	case err != nil:
		o.log.Printf("pipeline: sandbox %s: %v", lang, err)
		res.Outcome = types.OutcomeError
		res.Reason = types.NewReason(types.KindInternal, "%v", err)
		return res, nil
	case er.Cancelled || ctx.Err() != nil:
		return types.Skipped(types.LayerSandbox, types.Reason{Kind: types.KindCancelled}), &er
	case er.TimedOut:
		res.Outcome = types.OutcomeTimeout
		res.Reason = types.Reason{Kind: types.KindSandboxTimeout}
	case er.ResourceExceeded != "":
		res.Outcome = types.OutcomeFail
		res.Reason = types.NewReason(types.KindSandboxResourceExceeded, "%s", er.ResourceExceeded)
	case er.ExitStatus != 0:
		res.Outcome = types.OutcomeFail
		res.Reason = types.NewReason(types.KindSandboxNonZeroExit, "%d", er.ExitStatus)
	default:
		res.Outcome = types.OutcomePass
	}
	return res, &er
}

// mergeViolations appends the structural findings that the textual pass did
// not already report with the same label on the same line.
func mergeViolations(textual, structural []types.Violation) []types.Violation {
	type key struct {
		pattern string
		line    int
	}
	seen := make(map[key]bool, len(textual))
	for _, v := range textual {
		seen[key{v.Pattern, v.Line}] = true
	}
	out := append([]types.Violation(nil), textual...)
	for _, v := range structural {
		if seen[key{v.Pattern, v.Line}] {
			continue
		}
		out = append(out, v)
	}
	return out
}
