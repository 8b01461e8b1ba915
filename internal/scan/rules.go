package scan

import (
	"fmt"
	"regexp"
	"strings"
)

// Rules configures the scanner. The top-level lists apply to Python; other
// languages use their Languages entry and fall back to the top-level lists
// when none is configured. Attributes and Patterns apply to every language.
type Rules struct {
	Modules         []string                 `yaml:"denylist_modules"`
	Functions       []string                 `yaml:"denylist_functions"`
	Attributes      []string                 `yaml:"denylist_attributes"`
	Patterns        []string                 `yaml:"patterns"`
	MaxSourceLength int                      `yaml:"max_source_length"`
	WarnLines       int                      `yaml:"warn_lines"`
	WarnDepth       int                      `yaml:"warn_depth"`
	Languages       map[string]LanguageRules `yaml:"languages"`
}

type LanguageRules struct {
	Modules   []string `yaml:"denylist_modules"`
	Functions []string `yaml:"denylist_functions"`
}

const (
	DefaultMaxSourceLength = 10000
	defaultWarnLines       = 300
	defaultWarnDepth       = 6
)

// DefaultRules returns the built-in denylists.
func DefaultRules() Rules {
	return Rules{
		Modules: []string{
			"subprocess", "socket", "shutil", "ctypes", "multiprocessing", "urllib",
			"requests", "http", "ftplib", "smtplib", "telnetlib", "pty", "importlib",
			"pickle", "marshal", "commands", "imp",
		},
		Functions: []string{
			"eval", "exec", "execfile", "compile", "__import__", "getattr", "setattr",
			"delattr", "globals", "os.system", "os.popen", "os.exec*", "os.spawn*",
			"os.fork", "os.kill", "os.remove", "os.unlink", "os.rmdir", "os.removedirs",
		},
		Attributes: []string{
			"__class__", "__bases__", "__subclasses__", "__globals__", "__builtins__",
			"__code__", "__mro__", "__dict__", "__getattribute__",
		},
		MaxSourceLength: DefaultMaxSourceLength,
		WarnLines:       defaultWarnLines,
		WarnDepth:       defaultWarnDepth,
		Languages: map[string]LanguageRules{
			"go": {
				Modules:   []string{"os/exec", "net", "syscall", "unsafe", "plugin", "golang.org/x/sys"},
				Functions: []string{"os.RemoveAll", "os.Remove", "os.StartProcess", "os.Chmod", "os.Chown"},
			},
			"shell": {
				Functions: []string{
					"rm", "curl", "wget", "nc", "ncat", "netcat", "telnet", "ssh", "scp",
					"eval", "sudo", "su", "doas", "dd", "mkfs", "shutdown", "reboot",
					"chmod", "chown", "kill", "pkill", "killall",
				},
			},
		},
	}
}

// textual patterns applied to every language. Labels are what shows up in
// SecurityViolation{...}.
var shellMetaPatterns = []struct {
	label string
	expr  string
}{
	{"rm -rf", `\brm\s+-[a-z]*r[a-z]*f|\brm\s+-[a-z]*f[a-z]*r`},
	{"sudo", `\bsudo\s+`},
	{"chmod 777", `\bchmod\s+(-R\s+)?0?777\b`},
	{"format c:", `\bformat\s+c:`},
	{"pipe to shell", `\|\s*(ba|z|da)?sh\b`},
	{"/dev/tcp", `/dev/(tcp|udp)/`},
	{"mkfs", `\bmkfs(\.\w+)?\s`},
	{"fork bomb", `:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}`},
	{"dd of=/dev", `\bdd\s+.*of=/dev/`},
}

// command substitution in a non-shell language only makes sense inside a
// string handed to a shell. Backticks are Go raw strings.
const (
	cmdSubstLabel     = "command substitution"
	cmdSubstExpr      = `\$\(`
	backtickSubstExpr = "`[^`\\n]+`"
)

type pattern struct {
	label string
	re    *regexp.Regexp
}

// langRules is the compiled rule set of one language.
type langRules struct {
	modules    []string
	functions  []string
	attributes []string
	patterns   []pattern
	// separator between module path segments: "." for Python, "/" for Go.
	sep string
}

func compileLanguage(r Rules, lang string) (*langRules, error) {
	lr := &langRules{attributes: r.Attributes, sep: "."}
	if lang == "go" {
		lr.sep = "/"
	}
	if lang == "python" {
		lr.modules, lr.functions = r.Modules, r.Functions
		if extra, ok := r.Languages[lang]; ok {
			lr.modules = append(append([]string{}, lr.modules...), extra.Modules...)
			lr.functions = append(append([]string{}, lr.functions...), extra.Functions...)
		}
	} else if extra, ok := r.Languages[lang]; ok {
		lr.modules, lr.functions = extra.Modules, extra.Functions
	} else {
		lr.modules, lr.functions = r.Modules, r.Functions
	}

	add := func(label, expr string) error {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", label, err)
		}
		lr.patterns = append(lr.patterns, pattern{label: label, re: re})
		return nil
	}
	for _, p := range shellMetaPatterns {
		if err := add(p.label, p.expr); err != nil {
			return nil, err
		}
	}
	if lang != "shell" {
		expr := cmdSubstExpr
		if lang != "go" {
			expr += "|" + backtickSubstExpr
		}
		if err := add(cmdSubstLabel, expr); err != nil {
			return nil, err
		}
		for _, f := range lr.functions {
			if err := add(f, functionPattern(f)); err != nil {
				return nil, err
			}
		}
	}
	for _, m := range lr.modules {
		if expr := modulePattern(lang, m); expr != "" {
			if err := add("import "+m, expr); err != nil {
				return nil, err
			}
		}
	}
	for _, p := range r.Patterns {
		if err := add(p, p); err != nil {
			return nil, err
		}
	}
	return lr, nil
}

// functionPattern turns "os.exec*" into `\bos\.exec\w*\s*\(`. Bare names
// must not follow a dot, so re.compile( is not compile(.
func functionPattern(f string) string {
	star := strings.HasSuffix(f, "*")
	name := strings.TrimSuffix(f, "*")
	expr := `\b` + regexp.QuoteMeta(name)
	if !strings.Contains(name, ".") {
		expr = `(?:^|[^.\w])` + regexp.QuoteMeta(name)
	}
	if star {
		expr += `\w*`
	}
	return expr + `\s*\(`
}

func modulePattern(lang, m string) string {
	q := regexp.QuoteMeta(m)
	switch lang {
	case "python":
		return `(?m)^\s*(?:import|from)\s+` + q + `\b`
	case "go":
		return `(?m)^\s*(?:import\s+)?(?:[\w.]+\s+)?"` + q + `(?:/[^"\n]*)?"`
	}
	return ""
}

func matchModule(entry, imp, sep string) bool {
	return imp == entry || strings.HasPrefix(imp, entry+sep)
}

func matchFunction(entry, call string) bool {
	if prefix, ok := strings.CutSuffix(entry, "*"); ok {
		return strings.HasPrefix(call, prefix) || strings.HasPrefix(call, "builtins."+prefix)
	}
	return call == entry || strings.HasPrefix(call, entry+".") || call == "builtins."+entry
}

func (lr *langRules) deniedModule(imp string) (string, bool) {
	for _, m := range lr.modules {
		if matchModule(m, imp, lr.sep) {
			return m, true
		}
	}
	return "", false
}

func (lr *langRules) deniedFunction(name string) (string, bool) {
	for _, f := range lr.functions {
		if matchFunction(f, name) {
			return f, true
		}
	}
	return "", false
}

// ownsDeniedFunction reports whether module defines an entry of the
// function denylist.
func (lr *langRules) ownsDeniedFunction(module string) bool {
	for _, f := range lr.functions {
		if owner := moduleOf(strings.TrimSuffix(f, "*")); owner != "" && owner == module {
			return true
		}
	}
	return false
}

func (lr *langRules) deniedAttribute(name string) bool {
	for _, a := range lr.attributes {
		if a == name {
			return true
		}
	}
	return false
}
