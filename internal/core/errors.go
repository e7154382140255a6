package core

import (
	"errors"
	"fmt"

	"ivf-companion/internal/llm"
)

var (
	// ErrNoCredential means no provider key is available for the session.
	// No turn runs until one is supplied.
	ErrNoCredential = errors.New("no API key configured: provide one in settings to start")
	// ErrEmptyInput means neither text nor audio was submitted.
	ErrEmptyInput = errors.New("empty message")
)

// Provider operations, used in ProviderError.Op.
const (
	OpTranscribe = "transcribe"
	OpComplete   = "complete"
	OpSynthesize = "synthesize"
)

// ProviderError reports a failed call to the AI provider.  It is non-fatal:
// the session carries on and the user may resubmit.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Status returns the provider's HTTP status code, or 0 when unknown.
func (e *ProviderError) Status() int { return llm.StatusCode(e.Err) }

// UserMessage is the inline text shown to the patient.
func (e *ProviderError) UserMessage() string {
	if llm.IsAuthError(e.Err) {
		return "The API key was rejected. Please check it in settings."
	}
	switch e.Op {
	case OpTranscribe:
		return "Sorry, I could not hear that recording. Please try again or type your message."
	case OpSynthesize:
		return "Audio reply is not available right now."
	default:
		return "Sorry, I could not reply just now. Please send your message again."
	}
}
