package llmclient

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrEmptyResponse = errors.New("empty response from LLM")

// LLMClient is a text-in/text-out model. The prompt is the trusted
// instruction; input is untrusted material that is never concatenated into
// the instruction itself.
type LLMClient interface {
	Name() string
	Close() error
	GenerateText(ctx context.Context, prompt string, input any) (string, error)
}

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// RenderInput turns the untrusted input into the user message. Strings are
// passed through; anything else is rendered as indented JSON.
func RenderInput(input any) string {
	switch v := input.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}
	b, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return ""
	}
	return string(b)
}
