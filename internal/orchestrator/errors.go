package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies generation failures by the stage that produced them
type Kind int

const (
	KindInvalidInput Kind = iota + 1
	KindModelLoad
	KindAudioProcessing
	KindGeneration
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindModelLoad:
		return "model_load"
	case KindAudioProcessing:
		return "audio_processing"
	case KindGeneration:
		return "generation"
	default:
		return "unknown"
	}
}

// MsgNoFilesSelected is shown when a request carries no reference tracks
const MsgNoFilesSelected = "No audio files selected. Please upload at least one file."

// Error is a classified generation failure. Message is safe to show to users.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, prefix string, err error) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf("%s: %v", prefix, err), Err: err}
}

// KindOf returns the kind of err, or 0 if err is not a generation error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Message formats err for display
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return fmt.Sprintf("Error: %v", err)
}
