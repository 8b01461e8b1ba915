package scan

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func callNames(p *Program) []string {
	var out []string
	for _, c := range p.Calls {
		out = append(out, c.Name)
	}
	return out
}

func TestParsePython_ValidProgram(t *testing.T) {
	src := `import os
import json as j
from collections import defaultdict

def main():
    data = {"a": 1}
    print(j.dumps(data))
    if os.path.exists("/tmp"):
        print("yes")

main()
`
	prog, err := parsePython(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Imports) != 3 {
		t.Fatalf("imports = %+v", prog.Imports)
	}
	if prog.Imports[2].Module != "collections" || prog.Imports[2].Symbol != "defaultdict" {
		t.Fatalf("from-import = %+v", prog.Imports[2])
	}
	calls := callNames(prog)
	for _, want := range []string{"json.dumps", "os.path.exists", "print", "main"} {
		if !slices.Contains(calls, want) {
			t.Fatalf("missing call %q in %v", want, calls)
		}
	}
	if prog.Metrics.Functions != 1 || prog.Metrics.MaxDepth != 2 {
		t.Fatalf("metrics = %+v", prog.Metrics)
	}
}

func TestParsePython_SyntaxErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		line int
		msg  string
	}{
		{"py2 print", "print \"hello\"\n", 1, "invalid syntax"},
		{"unclosed paren", "x = (1,\n", 1, "'(' was never closed"},
		{"missing colon", "if x\n    y = 1\n", 1, "expected ':'"},
		{"unmatched paren", "x = 1)\n", 1, "unmatched ')'"},
		{"unterminated string", "s = 'abc\n", 1, "unterminated string literal"},
		{"unterminated triple", "s = \"\"\"abc\n", 1, "unterminated triple-quoted string literal"},
		{"missing block", "def f():\nreturn 1\n", 1, "expected an indented block after 'def' statement on line 1"},
		{"unexpected indent", "x = 1\n    y = 2\n", 2, "unexpected indent"},
		{"bad dedent", "if x:\n        a = 1\n    b = 2\n", 3, "unindent does not match any outer indentation level"},
		{"invalid char", "x = $y\n", 1, "invalid character"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parsePython(tc.src)
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("want SyntaxError, got %v", err)
			}
			if se.Line != tc.line || !strings.Contains(se.Msg, tc.msg) {
				t.Fatalf("got line %d %q, want line %d %q", se.Line, se.Msg, tc.line, tc.msg)
			}
		})
	}
}

func TestParsePython_AliasResolution(t *testing.T) {
	prog, err := parsePython("import os as o\no.system(\"ls\")\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !slices.Contains(callNames(prog), "os.system") {
		t.Fatalf("calls = %v", callNames(prog))
	}

	prog, err = parsePython("from subprocess import Popen as P\nP([\"ls\"])\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !slices.Contains(callNames(prog), "subprocess.Popen") {
		t.Fatalf("calls = %v", callNames(prog))
	}
}

func TestParsePython_FStringExpressions(t *testing.T) {
	prog, err := parsePython("print(f\"{eval('1+1')}\")\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !slices.Contains(callNames(prog), "eval") {
		t.Fatalf("calls = %v", callNames(prog))
	}
}

func TestParsePython_DunderChain(t *testing.T) {
	prog, err := parsePython("x = ().__class__.__bases__[0].__subclasses__()\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var names []string
	for _, a := range prog.Attributes {
		names = append(names, a.Name)
	}
	want := []string{"__class__", "__bases__", "__subclasses__"}
	if !slices.Equal(names, want) {
		t.Fatalf("attributes = %v, want %v", names, want)
	}
}

func TestParsePython_CommentsAndStringsAreInert(t *testing.T) {
	src := "# import socket\ns = \"import socket\"\nx = [\n    1,\n  2,\n]\ny = 1 + \\\n    2\n"
	prog, err := parsePython(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Imports) != 0 {
		t.Fatalf("imports = %+v", prog.Imports)
	}
}

func TestParsePython_Loops(t *testing.T) {
	prog, err := parsePython("while True:\n    pass\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Loops) != 1 || prog.Loops[0].Bounded {
		t.Fatalf("loops = %+v", prog.Loops)
	}

	prog, err = parsePython("while True:\n    if x:\n        break\nprint(1)\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Loops) != 1 || !prog.Loops[0].Bounded {
		t.Fatalf("loops = %+v", prog.Loops)
	}
}
