package types

import "time"

// Layer names, in result order.
type LayerName string

const (
	LayerStatic    LayerName = "static"
	LayerReasoning LayerName = "reasoning"
	LayerSandbox   LayerName = "sandbox"
)

// Layers lists every layer in the order results are reported.
var Layers = []LayerName{LayerStatic, LayerReasoning, LayerSandbox}

type LayerOutcome string

const (
	OutcomePass    LayerOutcome = "PASS"
	OutcomeFail    LayerOutcome = "FAIL"
	OutcomeError   LayerOutcome = "ERROR"
	OutcomeTimeout LayerOutcome = "TIMEOUT"
	OutcomeSkipped LayerOutcome = "SKIPPED"
)

// Violation is one finding of the static layer.
type Violation struct {
	Kind    Kind   `json:"kind"`
	Rule    string `json:"rule"`
	Pattern string `json:"pattern"`
	Line    int    `json:"line,omitempty"`
	Signal  string `json:"signal"`
}

// Reason returns the typed reason for the violation, e.g.
// SecurityViolation{import socket}.
func (v Violation) Reason() Reason {
	return Reason{Kind: v.Kind, Detail: v.Pattern}
}

type LayerResult struct {
	Layer      LayerName     `json:"layer"`
	Outcome    LayerOutcome  `json:"outcome"`
	Reason     Reason        `json:"reason,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
}

func Skipped(layer LayerName, reason Reason) LayerResult {
	return LayerResult{Layer: layer, Outcome: OutcomeSkipped, Reason: reason}
}

type Verdict string

const (
	VerdictPass   Verdict = "PASS"
	VerdictReject Verdict = "REJECT"
)

// ValidationResult is the outcome of one pipeline run. Verdict and Score are
// always produced by a Policy from Layers and never set on their own.
type ValidationResult struct {
	ArtifactID         string           `json:"artifact_id"`
	Layers             []LayerResult    `json:"layer_results"`
	Verdict            Verdict          `json:"verdict"`
	Score              int              `json:"score"`
	Strict             bool             `json:"strict"`
	ExecutionRequested bool             `json:"execution_requested"`
	Cancelled          bool             `json:"cancelled,omitempty"`
	Execution          *ExecutionResult `json:"execution_result,omitempty"`
}

// Layer returns the result recorded for name.
func (r ValidationResult) Layer(name LayerName) (LayerResult, bool) {
	for _, l := range r.Layers {
		if l.Layer == name {
			return l, true
		}
	}
	return LayerResult{}, false
}

// FailingLayer returns the first layer that caused a rejection.
func (r ValidationResult) FailingLayer() (LayerResult, bool) {
	for _, l := range r.Layers {
		switch l.Outcome {
		case OutcomeFail, OutcomeError, OutcomeTimeout:
			return l, true
		}
	}
	for _, l := range r.Layers {
		if l.Outcome == OutcomeSkipped && l.Reason.Kind == KindCancelled {
			return l, true
		}
	}
	return LayerResult{}, false
}

// Summary renders "layer: reason" for rejections and "PASS" otherwise.
func (r ValidationResult) Summary() string {
	if r.Verdict == VerdictPass {
		return string(VerdictPass)
	}
	if l, ok := r.FailingLayer(); ok {
		return string(l.Layer) + ": " + l.Reason.String()
	}
	return string(VerdictReject)
}

// ExecutionResult is the outcome of one sandboxed run.
type ExecutionResult struct {
	ExitStatus       int           `json:"exit_status"`
	Signal           string        `json:"signal,omitempty"`
	Stdout           string        `json:"stdout"`
	Stderr           string        `json:"stderr"`
	StdoutTruncated  bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated  bool          `json:"stderr_truncated,omitempty"`
	WallTime         time.Duration `json:"wall_time_ns"`
	CPUTime          time.Duration `json:"cpu_time_ns"`
	PeakMemoryBytes  int64         `json:"peak_memory_bytes"`
	TimedOut         bool          `json:"timed_out"`
	Cancelled        bool          `json:"cancelled,omitempty"`
	ResourceExceeded string        `json:"resource_exceeded,omitempty"`
}
