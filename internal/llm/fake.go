package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeReply is one scripted response.
type FakeReply struct {
	Text  string
	Err   error
	Delay time.Duration
}

// FakeClient is a deterministic offline client. Scripted replies are served
// in order; once they run out every call gets Default. With no script and
// no Default it answers SAFE, or a canned program for the "generate" phase.
type FakeClient struct {
	mu      sync.Mutex
	script  []FakeReply
	Default *FakeReply
	calls   []FakeCall
}

type FakeCall struct {
	Phase  string
	Prompt string
	Input  string
}

func NewFakeClient(replies ...FakeReply) *FakeClient {
	return &FakeClient{script: replies}
}

func (f *FakeClient) Name() string { return "FakeLLM" }
func (f *FakeClient) Close() error { return nil }

// Calls returns a copy of the recorded calls.
func (f *FakeClient) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

func (f *FakeClient) GenerateText(ctx context.Context, prompt string, input any) (string, error) {
	phase := PhaseFrom(ctx)
	f.mu.Lock()
	in, _ := input.(string)
	f.calls = append(f.calls, FakeCall{Phase: phase, Prompt: prompt, Input: in})
	var reply FakeReply
	switch {
	case len(f.script) > 0:
		reply = f.script[0]
		f.script = f.script[1:]
	case f.Default != nil:
		reply = *f.Default
	case phase == PhaseGenerate:
		reply = FakeReply{Text: fakeProgram(in)}
	default:
		reply = FakeReply{Text: "SAFE"}
	}
	f.mu.Unlock()

	if reply.Delay > 0 {
		if err := sleepCtx(ctx, reply.Delay); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return reply.Text, reply.Err
}

func fakeProgram(description string) string {
	msg := strings.TrimSpace(description)
	if msg == "" {
		msg = "hello"
	}
	msg = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ").Replace(msg)
	return "```python\nprint(\"" + msg + "\")\n```"
}
