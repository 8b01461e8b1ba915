package scan

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type pyKind int

const (
	pyName pyKind = iota
	pyNumber
	pyString
	pyOp
	pyNewline
	pyIndent
	pyDedent
)

type pyToken struct {
	kind pyKind
	text string
	line int
	// embedded holds the tokens of f-string replacement fields.
	embedded []pyToken
}

type pyParen struct {
	ch   byte
	line int
}

// pyLexer produces the token stream for Python source, including the
// INDENT/DEDENT/NEWLINE structure. It reports the first lexical error.
type pyLexer struct {
	src     string
	pos     int
	line    int
	parens  []pyParen
	indents []int
	bol     bool
	expr    bool
	toks    []pyToken
}

var (
	pyOps3 = []string{"**=", "//=", ">>=", "<<=", "..."}
	pyOps2 = []string{"**", "//", ">>", "<<", "<=", ">=", "==", "!=", "->", "+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=", ":="}
)

const pyOps1 = "+-*/%@&|^~<>=.,:;()[]{}"

func lexPython(src string) ([]pyToken, error) {
	lx := &pyLexer{src: src, line: 1, indents: []int{0}, bol: true}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

// lexPythonExpr tokenizes a bare expression (an f-string field); newlines
// are insignificant inside it.
func lexPythonExpr(src string, line int) ([]pyToken, error) {
	lx := &pyLexer{src: src, line: line, indents: []int{0}, expr: true}
	lx.parens = []pyParen{{ch: '(', line: line}}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *pyLexer) errorf(line int, format string, args ...any) error {
	return &SyntaxError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

func (lx *pyLexer) emit(kind pyKind, text string, line int) {
	lx.toks = append(lx.toks, pyToken{kind: kind, text: text, line: line})
}

func (lx *pyLexer) run() error {
	for lx.pos < len(lx.src) {
		if lx.bol && len(lx.parens) == 0 {
			eof, err := lx.indentation()
			if err != nil {
				return err
			}
			if eof {
				break
			}
			continue
		}
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\f':
			lx.pos++
		case c == '\\':
			rest := lx.src[lx.pos+1:]
			switch {
			case strings.HasPrefix(rest, "\n"):
				lx.pos += 2
				lx.line++
			case strings.HasPrefix(rest, "\r\n"):
				lx.pos += 3
				lx.line++
			default:
				return lx.errorf(lx.line, "unexpected character after line continuation character")
			}
		case c == '#':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		case c == '\r' || c == '\n':
			if c == '\r' && lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\n' {
				lx.pos++
			}
			lx.pos++
			if len(lx.parens) == 0 {
				lx.newline()
				lx.bol = true
			}
			lx.line++
		case c == '"' || c == '\'':
			if err := lx.readString(""); err != nil {
				return err
			}
		case isDigit(c) || (c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1])):
			lx.readNumber()
		default:
			if r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:]); r == '_' || unicode.IsLetter(r) {
				if err := lx.readName(); err != nil {
					return err
				}
				continue
			}
			if err := lx.readOp(); err != nil {
				return err
			}
		}
	}
	return lx.finish()
}

// indentation handles the start of a physical line outside brackets. Blank
// and comment-only lines do not affect the indentation stack.
func (lx *pyLexer) indentation() (bool, error) {
	col := 0
	p := lx.pos
	for p < len(lx.src) {
		switch lx.src[p] {
		case ' ':
			col++
		case '\t':
			col = (col/8 + 1) * 8
		case '\f':
			col = 0
		default:
			goto measured
		}
		p++
	}
measured:
	if p >= len(lx.src) {
		lx.pos = p
		return true, nil
	}
	switch lx.src[p] {
	case '#', '\n', '\r':
		for p < len(lx.src) && lx.src[p] != '\n' {
			p++
		}
		if p < len(lx.src) {
			p++
			lx.line++
		}
		lx.pos = p
		return false, nil
	}
	top := lx.indents[len(lx.indents)-1]
	switch {
	case col > top:
		lx.indents = append(lx.indents, col)
		lx.emit(pyIndent, "", lx.line)
	case col < top:
		for col < lx.indents[len(lx.indents)-1] {
			lx.indents = lx.indents[:len(lx.indents)-1]
			lx.emit(pyDedent, "", lx.line)
		}
		if col != lx.indents[len(lx.indents)-1] {
			return false, lx.errorf(lx.line, "unindent does not match any outer indentation level")
		}
	}
	lx.pos = p
	lx.bol = false
	return false, nil
}

func (lx *pyLexer) newline() {
	if n := len(lx.toks); n == 0 || lx.toks[n-1].kind == pyNewline {
		return
	}
	lx.emit(pyNewline, "", lx.line)
}

func (lx *pyLexer) finish() error {
	if lx.expr {
		return nil
	}
	if n := len(lx.parens); n > 0 {
		p := lx.parens[n-1]
		return lx.errorf(p.line, "'%c' was never closed", p.ch)
	}
	lx.newline()
	for len(lx.indents) > 1 {
		lx.indents = lx.indents[:len(lx.indents)-1]
		lx.emit(pyDedent, "", lx.line)
	}
	return nil
}

func (lx *pyLexer) readName() error {
	start := lx.pos
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		lx.pos += size
	}
	word := lx.src[start:lx.pos]
	if lx.pos < len(lx.src) && (lx.src[lx.pos] == '"' || lx.src[lx.pos] == '\'') && isStringPrefix(word) {
		return lx.readString(word)
	}
	lx.emit(pyName, word, lx.line)
	return nil
}

func isStringPrefix(word string) bool {
	switch strings.ToLower(word) {
	case "r", "u", "b", "f", "t", "br", "rb", "fr", "rf", "tr", "rt":
		return true
	}
	return false
}

func (lx *pyLexer) readString(prefix string) error {
	startLine := lx.line
	q := lx.src[lx.pos]
	q3 := strings.Repeat(string(q), 3)
	triple := strings.HasPrefix(lx.src[lx.pos:], q3)
	if triple {
		lx.pos += 3
	} else {
		lx.pos++
	}
	bodyStart := lx.pos
	var body string
	for {
		if lx.pos >= len(lx.src) {
			if triple {
				return lx.errorf(startLine, "unterminated triple-quoted string literal")
			}
			return lx.errorf(startLine, "unterminated string literal")
		}
		ch := lx.src[lx.pos]
		if ch == '\\' {
			if lx.pos+1 < len(lx.src) && lx.src[lx.pos+1] == '\n' {
				lx.line++
			}
			lx.pos += 2
			continue
		}
		if ch == '\n' {
			if !triple {
				return lx.errorf(startLine, "unterminated string literal")
			}
			lx.line++
		}
		if triple && strings.HasPrefix(lx.src[lx.pos:], q3) {
			body = lx.src[bodyStart:lx.pos]
			lx.pos += 3
			break
		}
		if !triple && ch == q {
			body = lx.src[bodyStart:lx.pos]
			lx.pos++
			break
		}
		lx.pos++
	}
	tok := pyToken{kind: pyString, text: prefix + q3[:1] + body + q3[:1], line: startLine}
	if strings.ContainsAny(strings.ToLower(prefix), "ft") {
		embedded, err := fstringFields(body, startLine)
		if err != nil {
			return err
		}
		tok.embedded = embedded
	}
	lx.toks = append(lx.toks, tok)
	return nil
}

// fstringFields tokenizes the replacement fields of an f-string body.
func fstringFields(body string, line int) ([]pyToken, error) {
	var out []pyToken
	for i := 0; i < len(body); i++ {
		switch body[i] {
		case '{':
			if i+1 < len(body) && body[i+1] == '{' {
				i++
				continue
			}
			end := matchBrace(body, i)
			if end < 0 {
				return nil, &SyntaxError{Line: line + strings.Count(body[:i], "\n"), Msg: "f-string: expecting '}'"}
			}
			expr := fieldExpr(body[i+1 : end])
			toks, err := lexPythonExpr(expr, line+strings.Count(body[:i], "\n"))
			if err != nil {
				return nil, err
			}
			out = append(out, toks...)
			i = end
		case '}':
			if i+1 < len(body) && body[i+1] == '}' {
				i++
				continue
			}
			return nil, &SyntaxError{Line: line + strings.Count(body[:i], "\n"), Msg: "f-string: single '}' is not allowed"}
		}
	}
	return out, nil
}

func matchBrace(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			depth--
			if depth == 0 {
				if c != '}' {
					return -1
				}
				return i
			}
		}
	}
	return -1
}

// fieldExpr strips the conversion, format spec and "=" suffix of an f-string
// field.
func fieldExpr(field string) string {
	depth := 0
	var quote byte
	for i := 0; i < len(field); i++ {
		c := field[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '!':
			if depth == 0 && (i+1 >= len(field) || field[i+1] != '=') {
				return strings.TrimSuffix(strings.TrimSpace(field[:i]), "=")
			}
		case ':':
			if depth == 0 && (i+1 >= len(field) || field[i+1] != '=') {
				return strings.TrimSuffix(strings.TrimSpace(field[:i]), "=")
			}
		}
	}
	return strings.TrimSuffix(strings.TrimSpace(field), "=")
}

func (lx *pyLexer) readNumber() {
	start := lx.pos
	hex := strings.HasPrefix(strings.ToLower(lx.src[start:]), "0x")
	for lx.pos < len(lx.src) {
		ch := lx.src[lx.pos]
		if isAlnum(ch) || ch == '_' || ch == '.' {
			lx.pos++
			continue
		}
		if (ch == '+' || ch == '-') && !hex && lx.pos > start && (lx.src[lx.pos-1] == 'e' || lx.src[lx.pos-1] == 'E') {
			lx.pos++
			continue
		}
		break
	}
	lx.emit(pyNumber, lx.src[start:lx.pos], lx.line)
}

func (lx *pyLexer) readOp() error {
	rest := lx.src[lx.pos:]
	for _, group := range [][]string{pyOps3, pyOps2} {
		for _, op := range group {
			if strings.HasPrefix(rest, op) {
				lx.emit(pyOp, op, lx.line)
				lx.pos += len(op)
				return nil
			}
		}
	}
	c := rest[0]
	if strings.IndexByte(pyOps1, c) < 0 {
		r, _ := utf8.DecodeRuneInString(rest)
		return lx.errorf(lx.line, "invalid character '%c' (U+%04X)", r, r)
	}
	switch c {
	case '(', '[', '{':
		lx.parens = append(lx.parens, pyParen{ch: c, line: lx.line})
	case ')', ']', '}':
		if len(lx.parens) == 0 {
			return lx.errorf(lx.line, "unmatched '%c'", c)
		}
		open := lx.parens[len(lx.parens)-1]
		if closing(open.ch) != c {
			return lx.errorf(lx.line, "closing parenthesis '%c' does not match opening parenthesis '%c'", c, open.ch)
		}
		lx.parens = lx.parens[:len(lx.parens)-1]
	}
	lx.emit(pyOp, string(c), lx.line)
	lx.pos++
	return nil
}

func closing(open byte) byte {
	switch open {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlnum(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
