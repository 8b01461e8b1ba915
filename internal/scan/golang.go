package scan

import (
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"path"
	"strconv"
	"strings"
)

func parseGo(source string) (*Program, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "main.go", source, parser.SkipObjectResolution)
	if err != nil {
		if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
			return nil, &SyntaxError{Line: list[0].Pos.Line, Msg: list[0].Msg}
		}
		return nil, &SyntaxError{Msg: err.Error()}
	}
	prog := &Program{}
	aliases := map[string]string{}
	for _, spec := range file.Imports {
		p, _ := strconv.Unquote(spec.Path.Value)
		local := path.Base(p)
		if spec.Name != nil {
			local = spec.Name.Name
		}
		imp := Import{Module: p, Line: fset.Position(spec.Pos()).Line}
		// a dot import puts every exported name in file scope, like a
		// Python star import
		if local == "." {
			imp.Symbol = "*"
		}
		prog.Imports = append(prog.Imports, imp)
		if local != "_" && local != "." {
			aliases[local] = p
		}
	}
	line := func(n ast.Node) int { return fset.Position(n.Pos()).Line }

	callee := map[ast.Expr]bool{}
	var depth, maxDepth int
	var visit func(n ast.Node) bool
	visit = func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncDecl:
			prog.Metrics.Functions++
		case *ast.FuncLit:
			prog.Metrics.Functions++
		case *ast.BlockStmt:
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
			for _, s := range x.List {
				ast.Inspect(s, visit)
			}
			depth--
			return false
		case *ast.CallExpr:
			callee[x.Fun] = true
			if name := goName(x.Fun, aliases); name != "" {
				prog.Calls = append(prog.Calls, Call{Name: name, Line: line(x)})
			}
		case *ast.SelectorExpr:
			prog.Attributes = append(prog.Attributes, Attribute{Name: x.Sel.Name, Line: line(x.Sel)})
			if name := goName(x, aliases); name != "" && !callee[x] {
				prog.References = append(prog.References, Call{Name: name, Line: line(x)})
			}
		case *ast.ForStmt:
			if x.Cond == nil || isTrueIdent(x.Cond) {
				prog.Loops = append(prog.Loops, Loop{Line: line(x), Bounded: goLoopExits(x.Body)})
			}
		}
		return true
	}
	for _, decl := range file.Decls {
		ast.Inspect(decl, visit)
	}
	prog.Metrics.MaxDepth = maxDepth
	prog.Metrics.Lines = countLines(source)
	return prog, nil
}

// goName renders pkg.Func with the import path substituted for the local
// package name, e.g. exec.Command -> os/exec.Command.
func goName(e ast.Expr, aliases map[string]string) string {
	switch x := e.(type) {
	case *ast.Ident:
		return x.Name
	case *ast.SelectorExpr:
		id, ok := x.X.(*ast.Ident)
		if !ok {
			return ""
		}
		if p, ok := aliases[id.Name]; ok {
			return p + "." + x.Sel.Name
		}
		return id.Name + "." + x.Sel.Name
	case *ast.IndexExpr:
		return goName(x.X, aliases)
	}
	return ""
}

func isTrueIdent(e ast.Expr) bool {
	id, ok := e.(*ast.Ident)
	return ok && id.Name == "true"
}

// goLoopExits reports whether a loop body contains a break, return, goto or
// a call to os.Exit/panic. Breaks inside nested loops, switches and selects
// do not count unless labelled.
func goLoopExits(body *ast.BlockStmt) bool {
	exits := false
	var walk func(n ast.Node, nested bool) bool
	walk = func(n ast.Node, nested bool) bool {
		ast.Inspect(n, func(c ast.Node) bool {
			if exits || c == nil {
				return false
			}
			switch x := c.(type) {
			case *ast.FuncLit:
				return false
			case *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt, *ast.TypeSwitchStmt, *ast.SelectStmt:
				if c != n {
					walk(c, true)
					return false
				}
			case *ast.ReturnStmt:
				exits = true
			case *ast.BranchStmt:
				if x.Tok == token.GOTO || (x.Tok == token.BREAK && (!nested || x.Label != nil)) {
					exits = true
				}
			case *ast.CallExpr:
				name := goName(x.Fun, nil)
				if name == "panic" || strings.HasSuffix(name, "os.Exit") || name == "log.Fatal" || name == "log.Fatalf" {
					exits = true
				}
			}
			return true
		})
		return exits
	}
	return walk(body, false)
}
