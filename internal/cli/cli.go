// Package cli is the cmdforge command line. It runs the pipeline in-process
// by default, or against a gateway with -remote.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cmdforge/internal/gateway/handler/rpc"
	"cmdforge/internal/registry"
	"cmdforge/internal/service"
	"cmdforge/internal/types"
)

const (
	ExitOK                = 0
	ExitInternal          = 1
	ExitUsage             = 2
	ExitVersionNotFound   = 3
	ExitNotFound          = 4
	ExitAlreadyRegistered = 5
	ExitRejected          = 6
)

// stdin feeds `submit -` and is swapped in tests.
var stdin io.Reader = os.Stdin

type globals struct {
	configPath string
	remote     string
	verbose    bool
	json       bool
}

// Run executes one command and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var g globals
	root := flag.NewFlagSet("cmdforge", flag.ContinueOnError)
	root.SetOutput(stderr)
	root.StringVar(&g.configPath, "config", "", "path to config.yaml")
	root.StringVar(&g.remote, "remote", "", "gateway base URL; runs in-process when empty")
	root.BoolVar(&g.verbose, "v", false, "log pipeline activity to stderr")
	root.BoolVar(&g.json, "json", false, "print results as JSON")
	root.Usage = func() { printUsage(stderr) }
	if err := root.Parse(args); err != nil {
		return ExitUsage
	}
	rest := root.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return ExitUsage
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n", rest[0])
		printUsage(stderr)
		return ExitUsage
	}
	fs := flag.NewFlagSet(rest[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	parse := cmd(fs)
	if err := fs.Parse(rest[1:]); err != nil {
		return ExitUsage
	}
	act, err := parse(fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", rest[0], err)
		return ExitUsage
	}

	b, err := openBackend(ctx, g, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "cmdforge: %v\n", err)
		return ExitInternal
	}
	defer b.Close()

	code, err := act(ctx, b, newPrinter(stdout, g.json))
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", rest[0], err)
		return exitCode(err)
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, registry.ErrVersionNotFound):
		return ExitVersionNotFound
	case errors.Is(err, registry.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, registry.ErrAlreadyRegistered):
		return ExitAlreadyRegistered
	default:
		return ExitInternal
	}
}

type action func(ctx context.Context, b backend, p *printer) (int, error)

// A command declares its flags on fs and returns a parser for the
// positional arguments.
type command func(fs *flag.FlagSet) func(args []string) (action, error)

var commands = map[string]command{
	"submit":   submitCmd,
	"generate": generateCmd,
	"rollback": rollbackCmd,
	"active":   activeCmd,
	"versions": versionsCmd,
	"history":  historyCmd,
	"list":     listCmd,
	"retire":   retireCmd,
	"run":      runCmd,
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: cmdforge [-config path] [-remote url] [-v] [-json] <command> [args]

commands:
  submit   [-name n] [-lang l] [-description d] [-execute] [-save] <file|->
  generate [-name n] [-lang l] [-execute] [-save] <description...>
  rollback <name> <version>
  active   <name>
  versions <name>
  history  [-name n] [-artifact id] [-limit n]
  list
  retire   <name>
  run      <name>

exit codes: 0 ok, 1 internal error, 2 usage, 3 version not found,
4 not found, 5 already registered, 6 rejected
`)
}

func submitVerdict(resp rpc.SubmitResponse) int {
	switch {
	case resp.Verdict != types.VerdictPass || resp.Result.Cancelled:
		return ExitRejected
	case resp.AlreadyRegistered:
		return ExitAlreadyRegistered
	default:
		return ExitOK
	}
}

func submitCmd(fs *flag.FlagSet) func([]string) (action, error) {
	var req service.SubmitRequest
	fs.StringVar(&req.Name, "name", "", "command name (derived from the description when empty)")
	fs.StringVar(&req.Language, "lang", "python", "source language")
	fs.StringVar(&req.Description, "description", "", "what the command does")
	fs.BoolVar(&req.Execute, "execute", false, "run the artifact in the sandbox as part of validation")
	fs.BoolVar(&req.Save, "save", false, "register the artifact when accepted")
	return func(args []string) (action, error) {
		if len(args) != 1 {
			return nil, errors.New("expected one source file (or - for stdin)")
		}
		src, err := readSource(args[0])
		if err != nil {
			return nil, err
		}
		req.Source = src
		return func(ctx context.Context, b backend, p *printer) (int, error) {
			resp, err := b.Submit(ctx, req)
			if err != nil {
				return 0, err
			}
			p.submission(resp)
			return submitVerdict(resp), nil
		}, nil
	}
}

func readSource(path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func generateCmd(fs *flag.FlagSet) func([]string) (action, error) {
	var req service.GenerateRequest
	fs.StringVar(&req.Name, "name", "", "command name (derived from the description when empty)")
	fs.StringVar(&req.Language, "lang", "python", "target language")
	fs.BoolVar(&req.Execute, "execute", false, "run the artifact in the sandbox as part of validation")
	fs.BoolVar(&req.Save, "save", false, "register the artifact when accepted")
	return func(args []string) (action, error) {
		req.Description = strings.TrimSpace(strings.Join(args, " "))
		if req.Description == "" {
			return nil, errors.New("description is required")
		}
		return func(ctx context.Context, b backend, p *printer) (int, error) {
			resp, err := b.Generate(ctx, req)
			if err != nil {
				return 0, err
			}
			p.submission(resp)
			return submitVerdict(resp), nil
		}, nil
	}
}

func rollbackCmd(*flag.FlagSet) func([]string) (action, error) {
	return func(args []string) (action, error) {
		if len(args) != 2 {
			return nil, errors.New("expected <name> <version>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid version %q", args[1])
		}
		name := args[0]
		return func(ctx context.Context, b backend, p *printer) (int, error) {
			cmd, err := b.Rollback(ctx, name, version)
			if err != nil {
				return 0, err
			}
			p.command(cmd)
			return ExitOK, nil
		}, nil
	}
}

// nameCmd builds the commands that take exactly one command name.
func nameCmd(call func(ctx context.Context, b backend, p *printer, name string) error) command {
	return func(*flag.FlagSet) func([]string) (action, error) {
		return func(args []string) (action, error) {
			if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
				return nil, errors.New("expected <name>")
			}
			name := strings.TrimSpace(args[0])
			return func(ctx context.Context, b backend, p *printer) (int, error) {
				return ExitOK, call(ctx, b, p, name)
			}, nil
		}
	}
}

var activeCmd = nameCmd(func(ctx context.Context, b backend, p *printer, name string) error {
	cmd, err := b.Active(ctx, name)
	if err == nil {
		p.command(cmd)
	}
	return err
})

var versionsCmd = nameCmd(func(ctx context.Context, b backend, p *printer, name string) error {
	cmds, err := b.Versions(ctx, name)
	if err == nil {
		p.commands(cmds)
	}
	return err
})

var retireCmd = nameCmd(func(ctx context.Context, b backend, p *printer, name string) error {
	cmd, err := b.Retire(ctx, name)
	if err == nil {
		p.command(cmd)
	}
	return err
})

func runCmd(*flag.FlagSet) func([]string) (action, error) {
	return func(args []string) (action, error) {
		if len(args) != 1 {
			return nil, errors.New("expected <name>")
		}
		name := args[0]
		return func(ctx context.Context, b backend, p *printer) (int, error) {
			er, err := b.Run(ctx, name)
			if err != nil {
				return 0, err
			}
			p.execution(er)
			if er.ExitStatus != 0 || er.TimedOut {
				return ExitInternal, nil
			}
			return ExitOK, nil
		}, nil
	}
}

func historyCmd(fs *flag.FlagSet) func([]string) (action, error) {
	var req rpc.HistoryRequest
	fs.StringVar(&req.Name, "name", "", "only entries for this command name")
	fs.StringVar(&req.ArtifactID, "artifact", "", "only entries for this artifact id")
	fs.IntVar(&req.Limit, "limit", 0, "keep the newest n entries")
	return func(args []string) (action, error) {
		if len(args) != 0 {
			return nil, errors.New("unexpected arguments")
		}
		return func(ctx context.Context, b backend, p *printer) (int, error) {
			entries, err := b.History(ctx, req)
			if err != nil {
				return 0, err
			}
			p.history(entries)
			return ExitOK, nil
		}, nil
	}
}

func listCmd(*flag.FlagSet) func([]string) (action, error) {
	return func(args []string) (action, error) {
		if len(args) != 0 {
			return nil, errors.New("unexpected arguments")
		}
		return func(ctx context.Context, b backend, p *printer) (int, error) {
			cmds, err := b.Commands(ctx)
			if err != nil {
				return 0, err
			}
			p.commands(cmds)
			return ExitOK, nil
		}, nil
	}
}
