package scan

import (
	"errors"
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// shellWrappers run their arguments as a command; the wrapped command is
// matched as well.
var shellWrappers = map[string]bool{
	"sudo": true, "env": true, "xargs": true, "nohup": true, "timeout": true,
	"exec": true, "command": true, "nice": true, "time": true, "builtin": true,
	"doas": true, "stdbuf": true,
}

var shellInterpreters = map[string]bool{"sh": true, "bash": true, "dash": true, "zsh": true, "ksh": true}

const maxShellNesting = 4

func parseShell(source string) (*Program, error) {
	prog := &Program{}
	if err := walkShell(prog, source, 0, 0); err != nil {
		return nil, err
	}
	prog.Metrics.Lines = countLines(source)
	return prog, nil
}

func walkShell(prog *Program, source string, lineOffset, nesting int) error {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(source), "main.sh")
	if err != nil {
		var perr syntax.ParseError
		if errors.As(err, &perr) {
			return &SyntaxError{Line: int(perr.Pos.Line()) + lineOffset, Msg: perr.Text}
		}
		return &SyntaxError{Msg: err.Error()}
	}
	lineOf := func(n syntax.Node) int { return int(n.Pos().Line()) + lineOffset }

	var stack []bool
	depth := 0
	var walkErr error
	syntax.Walk(file, func(n syntax.Node) bool {
		if n == nil {
			if stack[len(stack)-1] {
				depth--
			}
			stack = stack[:len(stack)-1]
			return true
		}
		block := false
		switch x := n.(type) {
		case *syntax.Block, *syntax.Subshell, *syntax.IfClause, *syntax.ForClause, *syntax.CaseClause:
			block = true
		case *syntax.FuncDecl:
			block = true
			prog.Metrics.Functions++
		case *syntax.WhileClause:
			block = true
			if shellConstantTrue(x) {
				prog.Loops = append(prog.Loops, Loop{Line: lineOf(x), Bounded: shellLoopExits(x.Do)})
			}
		case *syntax.CallExpr:
			if err := shellCall(prog, x, lineOf(x), nesting); err != nil && walkErr == nil {
				walkErr = err
			}
		}
		if block {
			depth++
			if depth > prog.Metrics.MaxDepth {
				prog.Metrics.MaxDepth = depth
			}
		}
		stack = append(stack, block)
		return true
	})
	return walkErr
}

// shellCall records the command (and the wrapped command for sudo, env and
// friends), source includes and "sh -c" scripts.
func shellCall(prog *Program, call *syntax.CallExpr, line, nesting int) error {
	args := call.Args
	for len(args) > 0 {
		name, ok := wordText(args[0])
		if !ok {
			prog.Dynamic = append(prog.Dynamic, Call{Name: printWord(args[0]), Line: line})
			return nil
		}
		name = path.Base(name)
		prog.Calls = append(prog.Calls, Call{Name: name, Line: line})
		args = args[1:]
		switch {
		case name == "source" || name == ".":
			if len(args) > 0 {
				if inc, ok := wordText(args[0]); ok {
					prog.Imports = append(prog.Imports, Import{Module: inc, Line: line})
				}
			}
			return nil
		case shellInterpreters[name]:
			for i := 0; i+1 < len(args); i++ {
				if flag, _ := wordText(args[i]); flag == "-c" {
					script, ok := wordText(args[i+1])
					if !ok {
						prog.Dynamic = append(prog.Dynamic, Call{Name: printWord(args[i+1]), Line: line})
						return nil
					}
					if nesting >= maxShellNesting {
						return nil
					}
					return walkShell(prog, script, line-1, nesting+1)
				}
			}
			return nil
		case shellWrappers[name]:
			args = skipWrapperOptions(name, args)
			continue
		}
		return nil
	}
	return nil
}

// skipWrapperOptions drops flags, VAR=value pairs and timeout durations that
// precede the wrapped command.
func skipWrapperOptions(wrapper string, args []*syntax.Word) []*syntax.Word {
	for len(args) > 0 {
		s, ok := wordText(args[0])
		if !ok {
			return args
		}
		switch {
		case strings.HasPrefix(s, "-"):
		case wrapper == "env" && strings.Contains(s, "="):
		case wrapper == "timeout" && s != "" && isDigit(s[0]):
		case wrapper == "nice" && strings.Trim(s, "0123456789") == "":
		default:
			return args
		}
		args = args[1:]
	}
	return args
}

// wordText returns the literal value of a word made of literals and quoted
// literals only.
func wordText(w *syntax.Word) (string, bool) {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				b.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return b.String(), true
}

// printWord renders a word back to source for violation signals.
func printWord(w *syntax.Word) string {
	var b strings.Builder
	if err := syntax.NewPrinter().Print(&b, w); err != nil {
		return "?"
	}
	return b.String()
}

func shellConstantTrue(w *syntax.WhileClause) bool {
	if len(w.Cond) != 1 {
		return false
	}
	call, ok := w.Cond[0].Cmd.(*syntax.CallExpr)
	if !ok || len(call.Args) != 1 {
		return false
	}
	word, _ := wordText(call.Args[0])
	if w.Until {
		return word == "false"
	}
	return word == "true" || word == ":"
}

func shellLoopExits(body []*syntax.Stmt) bool {
	exits := false
	for _, st := range body {
		syntax.Walk(st, func(n syntax.Node) bool {
			call, ok := n.(*syntax.CallExpr)
			if !ok || len(call.Args) == 0 {
				return !exits
			}
			switch name, _ := wordText(call.Args[0]); name {
			case "break", "exit", "return":
				exits = true
			}
			return !exits
		})
	}
	return exits
}
