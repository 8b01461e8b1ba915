package scan

import (
	"fmt"
	"sort"
)

// Program is the language-neutral structure the static walk inspects. Names
// are already resolved through import aliases.
type Program struct {
	Imports    []Import
	Calls      []Call
	References []Call
	Attributes []Attribute
	// Dynamic holds commands whose name is only known at run time, such as
	// a parameter expansion in shell command position.
	Dynamic []Call
	Loops   []Loop
	Metrics Metrics
}

// Import is one import/include. Symbol is set for "from m import s" forms.
type Import struct {
	Module string
	Symbol string
	Line   int
}

// Call is a call site (or a bare reference when stored in References) with
// its dotted, alias-resolved target.
type Call struct {
	Name string
	Line int
}

type Attribute struct {
	Name string
	Line int
}

// Loop describes a loop whose condition is constant true. Bounded reports
// whether its body contains an exit (break/return).
type Loop struct {
	Line    int
	Bounded bool
}

type Metrics struct {
	Lines     int `json:"lines"`
	Functions int `json:"functions"`
	MaxDepth  int `json:"max_depth"`
}

// SyntaxError is returned by parsers; the scanner turns it into a FAIL.
type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Line <= 0 {
		return e.Msg
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Parser turns source text of one language into a Program.
type Parser interface {
	Parse(source string) (*Program, error)
}

type ParserFunc func(source string) (*Program, error)

func (f ParserFunc) Parse(source string) (*Program, error) { return f(source) }

var parsers = map[string]Parser{
	"python": ParserFunc(parsePython),
	"go":     ParserFunc(parseGo),
	"shell":  ParserFunc(parseShell),
}

// Languages returns the language tags the scanner can parse.
func Languages() []string {
	out := make([]string, 0, len(parsers))
	for k := range parsers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
