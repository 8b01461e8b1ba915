package scan

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cmdforge/internal/types"
)

// Rule names carried by violations.
const (
	RuleLength    = "length"
	RuleLanguage  = "language"
	RuleSyntax    = "syntax"
	RuleTextual   = "textual"
	RuleImport    = "import"
	RuleCall      = "call"
	RuleReference = "reference"
	RuleAttribute = "attribute"
	RuleDynamic   = "dynamic"
)

// Scanner is the static layer. It is safe for concurrent use; all state is
// compiled in New.
type Scanner struct {
	rules Rules
	langs map[string]*langRules
}

// Report is the outcome of one scan. Violations are complete and ordered;
// the first one is what the layer fails with.
type Report struct {
	Language   string
	Violations []types.Violation
	Warnings   []string
	Metrics    Metrics
	Duration   time.Duration
	// Err is set when the context ended before the scan completed.
	Err error
}

func (r Report) Failed() bool { return len(r.Violations) > 0 }

func (r Report) First() (types.Violation, bool) {
	if len(r.Violations) == 0 {
		return types.Violation{}, false
	}
	return r.Violations[0], true
}

// Result converts the report into the static LayerResult.
func (r Report) Result() types.LayerResult {
	res := types.LayerResult{
		Layer:      types.LayerStatic,
		Outcome:    types.OutcomePass,
		Violations: r.Violations,
		Warnings:   r.Warnings,
		Duration:   r.Duration,
	}
	if v, ok := r.First(); ok {
		res.Outcome = types.OutcomeFail
		res.Reason = v.Reason()
	}
	return res
}

func New(r Rules) (*Scanner, error) {
	if r.MaxSourceLength <= 0 {
		r.MaxSourceLength = DefaultMaxSourceLength
	}
	if r.WarnLines <= 0 {
		r.WarnLines = defaultWarnLines
	}
	if r.WarnDepth <= 0 {
		r.WarnDepth = defaultWarnDepth
	}
	s := &Scanner{rules: r, langs: map[string]*langRules{}}
	for _, lang := range Languages() {
		lr, err := compileLanguage(r, lang)
		if err != nil {
			return nil, fmt.Errorf("scan: %s rules: %w", lang, err)
		}
		s.langs[lang] = lr
	}
	return s, nil
}

// MaxSourceLength is the effective length bound in bytes.
func (s *Scanner) MaxSourceLength() int { return s.rules.MaxSourceLength }

// precheck applies the checks every entry point shares: length bound first,
// then language support.
func (s *Scanner) precheck(source, language string) (*langRules, *types.Violation) {
	if n := len(source); n > s.rules.MaxSourceLength {
		return nil, &types.Violation{
			Kind:    types.KindSourceTooLong,
			Rule:    RuleLength,
			Pattern: fmt.Sprintf("%d > %d", n, s.rules.MaxSourceLength),
		}
	}
	lr, ok := s.langs[types.NormalizeLanguage(language)]
	if !ok {
		return nil, &types.Violation{
			Kind:    types.KindUnsupportedLanguage,
			Rule:    RuleLanguage,
			Pattern: language,
		}
	}
	return lr, nil
}

// Prefilter runs the length bound and the case-insensitive textual patterns
// on raw source. It does not parse.
func (s *Scanner) Prefilter(source, language string) Report {
	start := time.Now()
	rep := Report{Language: types.NormalizeLanguage(language)}
	lr, v := s.precheck(source, language)
	if v != nil {
		rep.Violations = []types.Violation{*v}
		rep.Duration = time.Since(start)
		return rep
	}
	rep.Violations = textual(lr, source)
	rep.Duration = time.Since(start)
	return rep
}

// Analyze parses the source and walks the structure against the denylists.
// A parse failure is a SyntaxError violation.
func (s *Scanner) Analyze(ctx context.Context, source, language string) Report {
	start := time.Now()
	rep := Report{Language: types.NormalizeLanguage(language)}
	lr, v := s.precheck(source, language)
	if v != nil {
		rep.Violations = []types.Violation{*v}
		rep.Duration = time.Since(start)
		return rep
	}
	if err := ctx.Err(); err != nil {
		rep.Err = err
		return rep
	}
	prog, err := parsers[rep.Language].Parse(source)
	if err != nil {
		rep.Violations = []types.Violation{syntaxViolation(err)}
		rep.Duration = time.Since(start)
		return rep
	}
	if err := ctx.Err(); err != nil {
		rep.Err = err
		rep.Duration = time.Since(start)
		return rep
	}
	rep.Violations = structural(lr, prog)
	rep.Metrics = prog.Metrics
	rep.Warnings = s.warnings(prog)
	rep.Err = ctx.Err()
	rep.Duration = time.Since(start)
	return rep
}

// Scan is Prefilter followed by Analyze with both violation sets merged.
func (s *Scanner) Scan(ctx context.Context, source, language string) Report {
	start := time.Now()
	pre := s.Prefilter(source, language)
	if len(pre.Violations) == 1 && pre.Violations[0].Rule != RuleTextual {
		return pre
	}
	rep := s.Analyze(ctx, source, language)
	rep.Violations = append(pre.Violations, rep.Violations...)
	rep.Duration = time.Since(start)
	return rep
}

func syntaxViolation(err error) types.Violation {
	v := types.Violation{Kind: types.KindSyntaxError, Rule: RuleSyntax, Pattern: err.Error()}
	var se *SyntaxError
	if errors.As(err, &se) {
		v.Line = se.Line
	}
	return v
}

func textual(lr *langRules, source string) []types.Violation {
	var out []types.Violation
	for _, p := range lr.patterns {
		loc := p.re.FindStringIndex(source)
		if loc == nil {
			continue
		}
		out = append(out, types.Violation{
			Kind:    types.KindSecurityViolation,
			Rule:    RuleTextual,
			Pattern: p.label,
			Line:    strings.Count(source[:loc[0]], "\n") + 1,
			Signal:  strings.TrimSpace(source[loc[0]:loc[1]]),
		})
	}
	sortByLine(out)
	return out
}

func structural(lr *langRules, prog *Program) []types.Violation {
	var out []types.Violation
	add := func(rule, label string, line int, signal string) {
		out = append(out, types.Violation{
			Kind:    types.KindSecurityViolation,
			Rule:    rule,
			Pattern: label,
			Line:    line,
			Signal:  signal,
		})
	}
	for _, imp := range prog.Imports {
		if m, ok := lr.deniedModule(imp.Module); ok {
			add(RuleImport, "import "+m, imp.Line, imp.Module)
			continue
		}
		if imp.Symbol == "*" {
			// bare names from a star import cannot be traced back to their
			// module, so any module owning a denied function is refused
			if lr.ownsDeniedFunction(imp.Module) {
				add(RuleImport, imp.Module+".*", imp.Line, imp.Module)
			}
			continue
		}
		if imp.Symbol != "" {
			full := imp.Module + "." + imp.Symbol
			if f, ok := lr.deniedFunction(full); ok {
				add(RuleImport, f, imp.Line, full)
			}
		}
	}
	for _, c := range prog.Calls {
		if f, ok := lr.deniedFunction(c.Name); ok {
			add(RuleCall, f, c.Line, c.Name)
			continue
		}
		if lr.sep != "." {
			continue
		}
		if m, ok := lr.deniedModule(moduleOf(c.Name)); ok {
			add(RuleCall, "import "+m, c.Line, c.Name)
		}
	}
	for _, r := range prog.References {
		if f, ok := lr.deniedFunction(r.Name); ok {
			add(RuleReference, f, r.Line, r.Name)
		}
	}
	for _, a := range prog.Attributes {
		if lr.deniedAttribute(a.Name) {
			add(RuleAttribute, a.Name, a.Line, a.Name)
		}
	}
	for _, d := range prog.Dynamic {
		add(RuleDynamic, "dynamic command", d.Line, d.Name)
	}
	sortByLine(out)
	return out
}

// moduleOf returns the module part of a resolved dotted call name.
func moduleOf(name string) string {
	i := strings.LastIndex(name, ".")
	if i <= 0 {
		return ""
	}
	return name[:i]
}

func (s *Scanner) warnings(prog *Program) []string {
	var out []string
	for _, l := range prog.Loops {
		if !l.Bounded {
			out = append(out, fmt.Sprintf("line %d: infinite loop without break", l.Line))
		}
	}
	if prog.Metrics.Lines > s.rules.WarnLines {
		out = append(out, fmt.Sprintf("source has %d lines (> %d)", prog.Metrics.Lines, s.rules.WarnLines))
	}
	if prog.Metrics.MaxDepth > s.rules.WarnDepth {
		out = append(out, fmt.Sprintf("nesting depth %d exceeds %d", prog.Metrics.MaxDepth, s.rules.WarnDepth))
	}
	return out
}

func sortByLine(vs []types.Violation) {
	slices.SortStableFunc(vs, func(a, b types.Violation) int { return cmp.Compare(a.Line, b.Line) })
}
