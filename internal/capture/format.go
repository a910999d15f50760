package capture

import "strings"

// PreferredMimeTypes is the negotiation order: uncompressed wave first, then
// a streaming codec, then two container fallbacks.
var PreferredMimeTypes = []string{
	"audio/wav",
	"audio/webm;codecs=opus",
	"audio/mp4",
	"audio/mpeg",
}

// negotiateMimeType returns the first candidate the factory supports.
func negotiateMimeType(f RecorderFactory, candidates []string) (string, error) {
	for _, mimeType := range candidates {
		if f.IsTypeSupported(mimeType) {
			return mimeType, nil
		}
	}
	return "", ErrUnsupportedFormat
}

// FormatTag derives the lowercase format tag from a MIME type, e.g.
// "audio/webm;codecs=opus" yields "webm".
func FormatTag(mimeType string) string {
	subtype := mimeType
	if _, after, ok := strings.Cut(mimeType, "/"); ok {
		subtype = after
	}
	if before, _, ok := strings.Cut(subtype, ";"); ok {
		subtype = before
	}
	return strings.ToLower(strings.TrimSpace(subtype))
}
