package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"cmdforge/internal/gateway/handler/rpc"
	"cmdforge/internal/types"
)

const (
	colorReset = "\x1b[0m"
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorYel   = "\x1b[33m"
	colorDim   = "\x1b[2m"
)

// printer colours its output only when writing to a terminal.
type printer struct {
	w     io.Writer
	color bool
	json  bool
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	p := &printer{w: w, json: asJSON}
	if f, ok := w.(*os.File); ok && !asJSON {
		p.color = term.IsTerminal(int(f.Fd()))
	}
	return p
}

func (p *printer) paint(color, s string) string {
	if !p.color || s == "" {
		return s
	}
	return color + s + colorReset
}

func (p *printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

func (p *printer) emitJSON(v any) {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (p *printer) outcome(o types.LayerOutcome) string {
	switch o {
	case types.OutcomePass:
		return p.paint(colorGreen, string(o))
	case types.OutcomeSkipped:
		return p.paint(colorDim, string(o))
	case types.OutcomeTimeout, types.OutcomeError:
		return p.paint(colorYel, string(o))
	default:
		return p.paint(colorRed, string(o))
	}
}

func (p *printer) verdict(v types.Verdict) string {
	if v == types.VerdictPass {
		return p.paint(colorGreen, string(v))
	}
	return p.paint(colorRed, string(v))
}

func (p *printer) submission(resp rpc.SubmitResponse) {
	if p.json {
		p.emitJSON(resp)
		return
	}
	res := resp.Result
	p.printf("artifact %s (%s)\n", resp.ArtifactID, resp.Name)
	p.printf("verdict: %s  score=%d", p.verdict(resp.Verdict), res.Score)
	if res.Cancelled {
		p.printf("  (cancelled)")
	}
	p.printf("\n")
	for _, l := range res.Layers {
		line := fmt.Sprintf("  %-10s %s", l.Layer, p.outcome(l.Outcome))
		if r := l.Reason.String(); r != "" {
			line += "  " + r
		}
		p.printf("%s\n", line)
		for _, v := range l.Violations {
			if v.Line > 0 {
				p.printf("      line %d: %s\n", v.Line, v.Reason())
			} else {
				p.printf("      %s\n", v.Reason())
			}
		}
		for _, w := range l.Warnings {
			p.printf("      warning: %s\n", w)
		}
	}
	if resp.Execution != nil {
		p.execution(*resp.Execution)
	}
	switch {
	case resp.AlreadyRegistered && resp.Command != nil:
		p.printf("%s: %s v%d is already Active with this content\n",
			p.paint(colorYel, "already registered"), resp.Command.Name, resp.Command.Version)
	case resp.Command != nil:
		p.printf("registered %s v%d (%s)\n", resp.Command.Name, resp.Command.Version, resp.Command.Status)
	}
}

func (p *printer) execution(er types.ExecutionResult) {
	if p.json {
		p.emitJSON(er)
		return
	}
	status := fmt.Sprintf("exit=%d wall=%s cpu=%s", er.ExitStatus, er.WallTime.Round(time.Millisecond), er.CPUTime.Round(time.Millisecond))
	if er.Signal != "" {
		status += " signal=" + er.Signal
	}
	if er.TimedOut {
		status += " timed-out"
	}
	if er.ResourceExceeded != "" {
		status += " resource=" + er.ResourceExceeded
	}
	p.printf("execution: %s\n", status)
	if er.Stdout != "" {
		p.printf("--- stdout%s\n%s", truncatedMark(er.StdoutTruncated), withNewline(er.Stdout))
	}
	if er.Stderr != "" {
		p.printf("--- stderr%s\n%s", truncatedMark(er.StderrTruncated), withNewline(er.Stderr))
	}
}

func (p *printer) command(c types.RegisteredCommand) {
	if p.json {
		p.emitJSON(c)
		return
	}
	status := string(c.Status)
	if c.Status == types.StatusActive {
		status = p.paint(colorGreen, status)
	}
	p.printf("%s v%d  %s  %s  score=%d  %s  %s\n",
		c.Name, c.Version, status, c.Language, c.Score, shortChecksum(c.Checksum), c.CreatedAt.Format(time.RFC3339))
}

func (p *printer) commands(cmds []types.RegisteredCommand) {
	if p.json {
		p.emitJSON(cmds)
		return
	}
	if len(cmds) == 0 {
		p.printf("no commands\n")
		return
	}
	for _, c := range cmds {
		p.command(c)
	}
}

func (p *printer) history(entries []types.HistoryEntry) {
	if p.json {
		p.emitJSON(entries)
		return
	}
	for _, e := range entries {
		name := e.Name
		if e.Version > 0 {
			name = fmt.Sprintf("%s v%d", e.Name, e.Version)
		}
		line := fmt.Sprintf("%5d  %s  %-21s %-6s %s  %s",
			e.Seq, e.Timestamp.Format(time.RFC3339), e.Action, e.Verdict, shortChecksum(e.Checksum), name)
		if e.Reason != "" {
			line += "  " + p.paint(colorDim, e.Reason)
		}
		p.printf("%s\n", line)
	}
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

func truncatedMark(truncated bool) string {
	if truncated {
		return " (truncated)"
	}
	return ""
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
