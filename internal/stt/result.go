package stt

// DefaultConfidence stands in for hypotheses the engine reported without a
// confidence score.
const DefaultConfidence = 0.5

// Hypothesis is one raw engine guess. A zero Confidence means the engine
// did not report one; scores outside (0, 1] are treated the same way.
type Hypothesis struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Alternative is a hypothesis after confidence defaulting.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// TranscriptResult is the reduced outcome of one recognition result.
type TranscriptResult struct {
	Transcript   string        `json:"transcript"`
	Confidence   float64       `json:"confidence"`
	Alternatives []Alternative `json:"alternatives"`
	Interim      bool          `json:"interim,omitempty"`
}

// Reduce picks the highest-confidence hypothesis. Ties keep the earliest one
// and alternatives stay in engine order.
func Reduce(hyps []Hypothesis) TranscriptResult {
	if len(hyps) == 0 {
		return TranscriptResult{}
	}
	alternatives := make([]Alternative, len(hyps))
	best := 0
	for i, h := range hyps {
		conf := h.Confidence
		if !(conf > 0 && conf <= 1) {
			conf = DefaultConfidence
		}
		alternatives[i] = Alternative{Transcript: h.Transcript, Confidence: conf}
		if conf > alternatives[best].Confidence {
			best = i
		}
	}
	return TranscriptResult{
		Transcript:   alternatives[best].Transcript,
		Confidence:   alternatives[best].Confidence,
		Alternatives: alternatives,
	}
}
