package media

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
)

// Tone is an endless S16LE sine source.
type Tone struct {
	frequency  float64
	sampleRate int
	channels   int

	mu     sync.Mutex
	pos    int
	closed bool
}

func NewTone(frequency float64, sampleRate, channels int) *Tone {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	return &Tone{frequency: frequency, sampleRate: sampleRate, channels: channels}
}

func (t *Tone) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.EOF
	}
	frameBytes := 2 * t.channels
	frames := len(p) / frameBytes
	for i := 0; i < frames; i++ {
		v := math.Sin(2 * math.Pi * t.frequency * float64(t.pos) / float64(t.sampleRate))
		sample := uint16(int16(v * 0.3 * math.MaxInt16))
		for ch := 0; ch < t.channels; ch++ {
			binary.LittleEndian.PutUint16(p[i*frameBytes+ch*2:], sample)
		}
		t.pos++
	}
	return frames * frameBytes, nil
}

func (t *Tone) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
