package scan

import (
	"fmt"
	"strings"
)

var pyKeywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true, "assert": true,
	"async": true, "await": true, "break": true, "class": true, "continue": true,
	"def": true, "del": true, "elif": true, "else": true, "except": true, "finally": true,
	"for": true, "from": true, "global": true, "if": true, "import": true, "in": true,
	"is": true, "lambda": true, "nonlocal": true, "not": true, "or": true, "pass": true,
	"raise": true, "return": true, "try": true, "while": true, "with": true, "yield": true,
	// soft keywords
	"match": true, "case": true, "type": true,
}

var pyCompound = map[string]bool{
	"if": true, "elif": true, "else": true, "while": true, "for": true, "def": true,
	"class": true, "with": true, "try": true, "except": true, "finally": true,
}

// pyLine is one logical line with its block depth.
type pyLine struct {
	depth int
	line  int
	toks  []pyToken
}

func parsePython(source string) (*Program, error) {
	toks, err := lexPython(source)
	if err != nil {
		return nil, err
	}
	lines := pyLines(toks)
	if err := checkPythonLines(lines); err != nil {
		return nil, err
	}
	w := &pyWalker{prog: &Program{}, aliases: map[string]string{}}
	w.walk(lines)
	w.prog.Metrics.Lines = countLines(source)
	return w.prog, nil
}

func pyLines(toks []pyToken) []pyLine {
	var out []pyLine
	var cur []pyToken
	depth := 0
	for _, t := range toks {
		switch t.kind {
		case pyIndent:
			depth++
		case pyDedent:
			depth--
		case pyNewline:
			if len(cur) > 0 {
				out = append(out, pyLine{depth: depth, line: cur[0].line, toks: cur})
				cur = nil
			}
		default:
			cur = append(cur, t)
		}
	}
	if len(cur) > 0 {
		out = append(out, pyLine{depth: depth, line: cur[0].line, toks: cur})
	}
	return out
}

func headKeyword(toks []pyToken) string {
	if len(toks) == 0 || toks[0].kind != pyName {
		return ""
	}
	if toks[0].text == "async" && len(toks) > 1 {
		return toks[1].text
	}
	return toks[0].text
}

// topColon returns the index of the first ':' outside brackets and lambdas,
// or -1.
func topColon(toks []pyToken) int {
	depth, lambdas := 0, 0
	for i, t := range toks {
		if t.kind == pyName && t.text == "lambda" && depth == 0 {
			lambdas++
			continue
		}
		if t.kind != pyOp {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ":":
			if depth != 0 {
				continue
			}
			if lambdas > 0 {
				lambdas--
				continue
			}
			return i
		}
	}
	return -1
}

func checkPythonLines(lines []pyLine) error {
	for i, ln := range lines {
		var next *pyLine
		if i+1 < len(lines) {
			next = &lines[i+1]
		}
		if err := checkAdjacency(ln); err != nil {
			return err
		}
		kw := headKeyword(ln.toks)
		if !pyCompound[kw] {
			if next != nil && next.depth > ln.depth {
				return &SyntaxError{Line: next.line, Msg: "unexpected indent"}
			}
			continue
		}
		colon := topColon(ln.toks)
		if colon < 0 {
			return &SyntaxError{Line: ln.line, Msg: "expected ':'"}
		}
		if colon < len(ln.toks)-1 {
			// inline body
			if next != nil && next.depth > ln.depth {
				return &SyntaxError{Line: next.line, Msg: "unexpected indent"}
			}
			continue
		}
		if next == nil || next.depth <= ln.depth {
			return &SyntaxError{Line: ln.line, Msg: fmt.Sprintf("expected an indented block after '%s' statement on line %d", kw, ln.line)}
		}
	}
	return nil
}

func isPyAtom(t pyToken) bool {
	switch t.kind {
	case pyNumber, pyString:
		return true
	case pyName:
		return !pyKeywords[t.text]
	}
	return false
}

// checkAdjacency rejects two atoms in a row, which is how Python 2 print
// statements and most stray identifiers show up. Implicit string
// concatenation is allowed.
func checkAdjacency(ln pyLine) error {
	for i := 1; i < len(ln.toks); i++ {
		a, b := ln.toks[i-1], ln.toks[i]
		if !isPyAtom(a) || !isPyAtom(b) {
			continue
		}
		if a.kind == pyString && b.kind == pyString {
			continue
		}
		return &SyntaxError{Line: b.line, Msg: "invalid syntax"}
	}
	return nil
}

type pyWalker struct {
	prog    *Program
	aliases map[string]string
}

func (w *pyWalker) walk(lines []pyLine) {
	for i, ln := range lines {
		if ln.depth > w.prog.Metrics.MaxDepth {
			w.prog.Metrics.MaxDepth = ln.depth
		}
		kw := headKeyword(ln.toks)
		if kw == "def" {
			w.prog.Metrics.Functions++
		}
		if kw == "while" {
			w.loop(lines, i)
		}
		for _, stmt := range statements(ln.toks) {
			switch stmt[0].text {
			case "import":
				if stmt[0].kind == pyName {
					w.importStmt(stmt)
					continue
				}
			case "from":
				if stmt[0].kind == pyName && len(stmt) > 1 {
					w.fromStmt(stmt)
					continue
				}
			}
			w.exprs(stmt)
		}
	}
}

// statements splits a logical line at top-level ';' and at the colon of a
// compound header with an inline body.
func statements(toks []pyToken) [][]pyToken {
	var out [][]pyToken
	if pyCompound[headKeyword(toks)] {
		if c := topColon(toks); c >= 0 {
			out = append(out, toks[:c])
			toks = toks[c+1:]
		}
	}
	depth, start := 0, 0
	for i, t := range toks {
		if t.kind != pyOp {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case ";":
			if depth == 0 {
				if i > start {
					out = append(out, toks[start:i])
				}
				start = i + 1
			}
		}
	}
	if start < len(toks) {
		out = append(out, toks[start:])
	}
	return out
}

// dotted reads NAME ('.' NAME)* at i.
func dotted(toks []pyToken, i int) (string, int) {
	if i >= len(toks) || toks[i].kind != pyName {
		return "", i
	}
	parts := []string{toks[i].text}
	i++
	for i+1 < len(toks) && toks[i].kind == pyOp && toks[i].text == "." && toks[i+1].kind == pyName {
		parts = append(parts, toks[i+1].text)
		i += 2
	}
	return strings.Join(parts, "."), i
}

func isName(toks []pyToken, i int, text string) bool {
	return i < len(toks) && toks[i].kind == pyName && toks[i].text == text
}

func isOp(toks []pyToken, i int, text string) bool {
	return i < len(toks) && toks[i].kind == pyOp && toks[i].text == text
}

func (w *pyWalker) importStmt(toks []pyToken) {
	line := toks[0].line
	i := 1
	for i < len(toks) {
		mod, j := dotted(toks, i)
		if mod == "" {
			return
		}
		i = j
		w.prog.Imports = append(w.prog.Imports, Import{Module: mod, Line: line})
		if isName(toks, i, "as") && i+1 < len(toks) {
			w.aliases[toks[i+1].text] = mod
			i += 2
		}
		if !isOp(toks, i, ",") {
			return
		}
		i++
	}
}

func (w *pyWalker) fromStmt(toks []pyToken) {
	line := toks[0].line
	i := 1
	prefix := ""
	for i < len(toks) && toks[i].kind == pyOp && (toks[i].text == "." || toks[i].text == "...") {
		prefix += toks[i].text
		i++
	}
	mod, j := dotted(toks, i)
	i = j
	mod = prefix + mod
	if !isName(toks, i, "import") {
		return
	}
	i++
	if isOp(toks, i, "(") {
		i++
	}
	if isOp(toks, i, "*") {
		w.prog.Imports = append(w.prog.Imports, Import{Module: mod, Symbol: "*", Line: line})
		return
	}
	for i < len(toks) && toks[i].kind == pyName {
		sym := toks[i].text
		local := sym
		i++
		if isName(toks, i, "as") && i+1 < len(toks) {
			local = toks[i+1].text
			i += 2
		}
		w.prog.Imports = append(w.prog.Imports, Import{Module: mod, Symbol: sym, Line: line})
		w.aliases[local] = mod + "." + sym
		if !isOp(toks, i, ",") {
			return
		}
		i++
	}
}

func (w *pyWalker) resolve(parts []string) string {
	if target, ok := w.aliases[parts[0]]; ok {
		parts = append(strings.Split(target, "."), parts[1:]...)
	}
	name := strings.Join(parts, ".")
	for _, p := range []string{"builtins.", "__builtins__."} {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			return "builtins." + strings.TrimPrefix(name, p)
		}
	}
	return name
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// exprs records calls, references and attribute accesses in a statement.
func (w *pyWalker) exprs(toks []pyToken) {
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if len(t.embedded) > 0 {
			w.exprs(t.embedded)
		}
		if isOp(toks, i, ".") && i+1 < len(toks) && toks[i+1].kind == pyName {
			w.prog.Attributes = append(w.prog.Attributes, Attribute{Name: toks[i+1].text, Line: toks[i+1].line})
			i++
			continue
		}
		if t.kind != pyName || pyKeywords[t.text] {
			continue
		}
		if i > 0 && toks[i-1].kind == pyName && (toks[i-1].text == "def" || toks[i-1].text == "class") {
			continue
		}
		parts := []string{t.text}
		j := i + 1
		for isOp(toks, j, ".") && j+1 < len(toks) && toks[j+1].kind == pyName {
			parts = append(parts, toks[j+1].text)
			w.prog.Attributes = append(w.prog.Attributes, Attribute{Name: toks[j+1].text, Line: toks[j+1].line})
			j += 2
		}
		if isDunder(t.text) {
			w.prog.Attributes = append(w.prog.Attributes, Attribute{Name: t.text, Line: t.line})
		}
		name := w.resolve(parts)
		// keyword arguments are not references
		if isOp(toks, j, "=") && i > 0 && (isOp(toks, i-1, "(") || isOp(toks, i-1, ",")) {
			i = j - 1
			continue
		}
		if isOp(toks, j, "(") {
			w.prog.Calls = append(w.prog.Calls, Call{Name: name, Line: t.line})
		} else {
			w.prog.References = append(w.prog.References, Call{Name: name, Line: t.line})
		}
		i = j - 1
	}
}

// loop records a "while True" style loop and whether its body can exit.
func (w *pyWalker) loop(lines []pyLine, i int) {
	ln := lines[i]
	c := topColon(ln.toks)
	if c < 0 {
		return
	}
	cond := ln.toks[1:c]
	for len(cond) >= 2 && isOp(cond, 0, "(") && isOp(cond, len(cond)-1, ")") {
		cond = cond[1 : len(cond)-1]
	}
	if len(cond) != 1 || !(cond[0].text == "True" || cond[0].text == "1") {
		return
	}
	var body []pyToken
	if c < len(ln.toks)-1 {
		body = ln.toks[c+1:]
	} else {
		for _, next := range lines[i+1:] {
			if next.depth <= ln.depth {
				break
			}
			body = append(body, next.toks...)
		}
	}
	bounded := false
	for k, t := range body {
		if t.kind != pyName {
			continue
		}
		switch t.text {
		case "break", "return", "raise":
			bounded = true
		case "exit":
			bounded = bounded || isOp(body, k+1, "(")
		}
	}
	w.prog.Loops = append(w.prog.Loops, Loop{Line: ln.line, Bounded: bounded})
}

func countLines(source string) int {
	n := 0
	for _, l := range strings.Split(source, "\n") {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}
