package stt

import (
	"errors"
	"fmt"

	"github.com/loqalabs/habla/internal/messages"
)

// Recognition error codes reported by engines.
const (
	CodeNoSpeech             = "no-speech"
	CodeAudioCapture         = "audio-capture"
	CodeNotAllowed           = "not-allowed"
	CodeNetwork              = "network"
	CodeLanguageNotSupported = "language-not-supported"
	CodeServiceNotAllowed    = "service-not-allowed"
	CodeAborted              = "aborted"
)

var knownCodes = map[string]bool{
	CodeNoSpeech:             true,
	CodeAudioCapture:         true,
	CodeNotAllowed:           true,
	CodeNetwork:              true,
	CodeLanguageNotSupported: true,
	CodeServiceNotAllowed:    true,
}

// RecognitionError is a failed recognition session.
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("speech recognition failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("speech recognition failed (%s)", e.Code)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// Message is the user-facing text for the error in locale.
func (e *RecognitionError) Message(locale string) string {
	return MapError(e.Code, locale)
}

// Retryable reports whether trying again in the same mode can help. An
// unsupported language calls for switching to audio capture instead.
func (e *RecognitionError) Retryable() bool {
	return e.Code != CodeLanguageNotSupported
}

// MapError returns the localized message for a recognition error code.
// Unknown codes get a generic message that includes the code.
func MapError(code, locale string) string {
	if knownCodes[code] {
		return messages.Localize(locale, "speech."+code, nil)
	}
	return messages.Localize(locale, "speech.generic", map[string]any{"Code": code})
}

// asRecognitionError classifies an engine failure.
func asRecognitionError(err error) *RecognitionError {
	var re *RecognitionError
	if errors.As(err, &re) {
		return re
	}
	return &RecognitionError{Code: CodeAborted, Err: err}
}
