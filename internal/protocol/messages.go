package protocol

import "time"

// Practice modes.
const (
	ModeCapture    = "capture"
	ModeTranscribe = "transcribe"
)

// Status values published on SubjectStatus.
const (
	StatusListening = "listening"
	StatusIdle      = "idle"
)

// CaptureRequest asks the node to run one pronunciation attempt. An empty
// Mode lets the node pick from what it supports.
type CaptureRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	Phrase        string `json:"phrase,omitempty"`
	Mode          string `json:"mode,omitempty"`
	MaxDurationMS int    `json:"max_duration_ms,omitempty"`
	Locale        string `json:"locale,omitempty"`
}

// StopRequest ends an attempt early.
type StopRequest struct {
	SessionID string `json:"session_id"`
}

// AudioSubmission is a recorded attempt handed to the scoring service.
type AudioSubmission struct {
	SessionID string    `json:"session_id"`
	Phrase    string    `json:"phrase,omitempty"`
	AudioData string    `json:"audioData"`
	Duration  float64   `json:"duration"`
	Format    string    `json:"format"`
	Timestamp time.Time `json:"timestamp"`
}

// Alternative mirrors one recognition hypothesis.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// TranscriptSubmission is a recognized attempt handed to the scoring service.
type TranscriptSubmission struct {
	SessionID    string        `json:"session_id"`
	Phrase       string        `json:"phrase,omitempty"`
	Transcript   string        `json:"transcript"`
	Confidence   float64       `json:"confidence"`
	Alternatives []Alternative `json:"alternatives"`
	Timestamp    time.Time     `json:"timestamp"`
}

// StatusUpdate drives the caller's listening indicator. Message is localized
// and set only when the attempt failed or was cut short.
type StatusUpdate struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectPracticeRequest    = "practice.request"
	SubjectPracticeStop       = "practice.stop"
	SubjectPracticeAudio      = "practice.audio"
	SubjectPracticeTranscript = "practice.transcript"
	SubjectPracticeStatus     = "practice.status"

	// StreamPracticeResults persists submissions for the scoring service.
	StreamPracticeResults = "PRACTICE_RESULTS"
)
