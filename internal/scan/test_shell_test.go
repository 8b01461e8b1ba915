package scan

import (
	"context"
	"errors"
	"slices"
	"testing"

	"cmdforge/internal/types"
)

func TestParseShell_CommandPositions(t *testing.T) {
	cases := []struct {
		src  string
		want []string
	}{
		{"sudo rm -rf /\n", []string{"sudo", "rm"}},
		{"env FOO=1 curl http://x\n", []string{"env", "curl"}},
		{"timeout 5 nc -l 80\n", []string{"timeout", "nc"}},
		{"/bin/rm -f x\n", []string{"rm"}},
		{"echo $(curl http://x)\n", []string{"echo", "curl"}},
		{"bash -c 'wget http://x'\n", []string{"bash", "wget"}},
	}
	for _, tc := range cases {
		prog, err := parseShell(tc.src)
		if err != nil {
			t.Fatalf("%q: %v", tc.src, err)
		}
		if got := callNames(prog); !slices.Equal(got, tc.want) {
			t.Fatalf("%q: calls = %v, want %v", tc.src, got, tc.want)
		}
	}
}

func TestParseShell_SourceIsAnImport(t *testing.T) {
	prog, err := parseShell(". ./lib.sh\nsource other.sh\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Imports) != 2 || prog.Imports[0].Module != "./lib.sh" || prog.Imports[1].Line != 2 {
		t.Fatalf("imports = %+v", prog.Imports)
	}
}

func TestParseShell_Loops(t *testing.T) {
	prog, err := parseShell("while true; do echo hi; done\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Loops) != 1 || prog.Loops[0].Bounded {
		t.Fatalf("loops = %+v", prog.Loops)
	}
	prog, err = parseShell("while :; do break; done\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(prog.Loops) != 1 || !prog.Loops[0].Bounded {
		t.Fatalf("loops = %+v", prog.Loops)
	}
}

func TestParseShell_SyntaxError(t *testing.T) {
	_, err := parseShell("echo \"unterminated\n")
	var se *SyntaxError
	if !errors.As(err, &se) || se.Line != 1 {
		t.Fatalf("want SyntaxError on line 1, got %v", err)
	}
}

func TestScan_ShellDynamicCommandFailsClosed(t *testing.T) {
	s := newScanner(t, nil)
	cases := []struct {
		src, signal string
	}{
		{"x=rm; $x -f y\n", "$x"},
		{"$(echo rm) -f y\n", "$(echo rm)"},
		{"sudo \"$cmd\" /\n", "\"$cmd\""},
		{"sh -c \"$script\"\n", "\"$script\""},
	}
	for _, tc := range cases {
		rep := s.Scan(context.Background(), tc.src, "shell")
		var hit *types.Violation
		for i, v := range rep.Violations {
			if v.Rule == RuleDynamic {
				hit = &rep.Violations[i]
			}
		}
		if hit == nil || hit.Pattern != "dynamic command" || hit.Signal != tc.signal {
			t.Fatalf("%q: violations = %+v", tc.src, rep.Violations)
		}
	}

	// expansions in argument position are fine
	if rep := s.Scan(context.Background(), "name=world\necho \"hello $name\"\n", "shell"); rep.Failed() {
		t.Fatalf("violations = %+v", rep.Violations)
	}
}
