package pipeline

import "cmdforge/internal/types"

const (
	penaltyStatic    = 40
	penaltyReasoning = 25
	penaltySandbox   = 25
	penaltyWarning   = 5
)

// Policy turns layer results into a verdict. Strict mode treats an
// unavailable or timed-out reasoning layer as a rejection; lenient mode lets
// it pass.
type Policy struct {
	Strict   bool `yaml:"strict_mode"`
	MinScore int  `yaml:"min_score"`
}

// Decide is pure: the same layers always give the same verdict and score.
func (p Policy) Decide(layers []types.LayerResult, executionRequested bool) (types.Verdict, int) {
	score := Score(layers)
	byName := make(map[types.LayerName]types.LayerResult, len(layers))
	for _, l := range layers {
		if l.Outcome == types.OutcomeSkipped && l.Reason.Kind == types.KindCancelled {
			return types.VerdictReject, score
		}
		byName[l.Layer] = l
	}
	static, ok := byName[types.LayerStatic]
	if !ok || static.Outcome != types.OutcomePass {
		return types.VerdictReject, score
	}
	reasoning, ok := byName[types.LayerReasoning]
	if !ok || p.blocking(reasoning) {
		return types.VerdictReject, score
	}
	sb, ok := byName[types.LayerSandbox]
	switch {
	case !ok:
		if executionRequested {
			return types.VerdictReject, score
		}
	case sb.Outcome == types.OutcomePass:
	case sb.Outcome == types.OutcomeSkipped && !executionRequested:
	default:
		return types.VerdictReject, score
	}
	if score < p.MinScore {
		return types.VerdictReject, score
	}
	return types.VerdictPass, score
}

// blocking reports whether a static or reasoning result stops the pipeline
// under this policy.
func (p Policy) blocking(l types.LayerResult) bool {
	switch l.Outcome {
	case types.OutcomePass:
		return false
	case types.OutcomeError, types.OutcomeTimeout:
		return l.Layer != types.LayerReasoning || p.Strict
	default:
		return true
	}
}

// Score is 100 minus a fixed penalty per layer that did not pass and per
// static warning, floored at zero. A skipped sandbox costs nothing.
func Score(layers []types.LayerResult) int {
	score := 100
	for _, l := range layers {
		switch l.Layer {
		case types.LayerStatic:
			if l.Outcome != types.OutcomePass {
				score -= penaltyStatic
			}
			score -= penaltyWarning * len(l.Warnings)
		case types.LayerReasoning:
			if l.Outcome != types.OutcomePass {
				score -= penaltyReasoning
			}
		case types.LayerSandbox:
			switch l.Outcome {
			case types.OutcomeFail, types.OutcomeTimeout, types.OutcomeError:
				score -= penaltySandbox
			}
		}
	}
	return max(score, 0)
}
