package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"cmdforge/internal/llm"
	"cmdforge/internal/types"
)

const generateInstruction = `You write small, self-contained command-line programs.
Write a %s program that does what the user describes. Use only the standard
library. Do not open network connections, spawn processes or touch files
outside the current directory. Keep the program under %d bytes. Reply with
a single fenced code block and nothing else.`

// fallbackSourceLength bounds the prompt when the scanner does not report
// its own limit.
const fallbackSourceLength = 10000

type GenerateRequest struct {
	Description string `json:"description"`
	Language    string `json:"language"`
	Name        string `json:"name,omitempty"`
	Execute     bool   `json:"execute"`
	Save        bool   `json:"save"`
}

// Generate asks the configured model for code and submits whatever comes
// back. The generated code gets no special treatment: it goes through the
// same pipeline as a hand-written submission.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (SubmitResponse, error) {
	if s.deps.Generator == nil {
		return SubmitResponse{}, fmt.Errorf("no generator configured")
	}
	desc := llm.SanitizeDescription(req.Description)
	if desc == "" {
		return SubmitResponse{}, fmt.Errorf("description is required")
	}
	lang := types.NormalizeLanguage(req.Language)
	if lang == "" {
		lang = "python"
	}
	limit := fallbackSourceLength
	if b, ok := s.deps.Scanner.(interface{ MaxSourceLength() int }); ok {
		limit = b.MaxSourceLength()
	}
	out, err := s.deps.Generator.GenerateText(llm.WithPhase(ctx, llm.PhaseGenerate), fmt.Sprintf(generateInstruction, lang, limit), desc)
	if err != nil {
		s.log.Printf("service: generate %q: %v", desc, err)
		return SubmitResponse{}, fmt.Errorf("generate: %w", err)
	}
	code := ExtractCode(out)
	if code == "" {
		return SubmitResponse{}, fmt.Errorf("generate: model returned no code")
	}
	return s.Submit(ctx, SubmitRequest{
		Name:        req.Name,
		Description: desc,
		Source:      code,
		Language:    lang,
		Execute:     req.Execute,
		Save:        req.Save,
	})
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")

// ExtractCode returns the first fenced block of a model reply, or the whole
// reply when there is none.
func ExtractCode(reply string) string {
	if m := fencePattern.FindStringSubmatch(reply); m != nil {
		return strings.TrimRight(m[1], " \t\r\n") + "\n"
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return ""
	}
	return reply + "\n"
}
