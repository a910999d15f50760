// Package wavstream writes WAV data in a form that can be emitted in chunks
// before the final length is known, and seals it once recording ends.
package wavstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-audio/wav"
)

// HeaderSize is the size of the canonical PCM RIFF header.
const HeaderSize = 44

// unknownSize marks RIFF and data lengths that are not known yet.
const unknownSize = 0xFFFFFFFF

// Header returns a 44-byte PCM header with placeholder lengths, suitable as
// the prefix of the first chunk of a stream.
func Header(sampleRate, channels, bitDepth int) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	blockAlign := channels * bitDepth / 8
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(unknownSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitDepth))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(unknownSize))
	return buf.Bytes()
}

// Seal patches the RIFF and data lengths of a concatenated stream in place
// and returns it. Payloads that do not start with a canonical header are
// returned unchanged.
func Seal(payload []byte) []byte {
	if len(payload) < HeaderSize {
		return payload
	}
	if string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" || string(payload[36:40]) != "data" {
		return payload
	}
	dataSize := len(payload) - HeaderSize
	blockAlign := int(binary.LittleEndian.Uint16(payload[32:34]))
	if blockAlign > 0 {
		dataSize -= dataSize % blockAlign
	}
	binary.LittleEndian.PutUint32(payload[4:8], uint32(36+dataSize))
	binary.LittleEndian.PutUint32(payload[40:44], uint32(dataSize))
	return payload[:HeaderSize+dataSize]
}

// Info describes a decoded WAV payload.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Inspect decodes the header of a sealed payload and reports its audio length.
func Inspect(payload []byte) (Info, error) {
	dec := wav.NewDecoder(bytes.NewReader(payload))
	if !dec.IsValidFile() {
		return Info{}, errors.New("invalid wav payload")
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("locate pcm data: %w", err)
	}
	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	bytesPerSecond := info.SampleRate * info.Channels * info.BitDepth / 8
	if bytesPerSecond <= 0 {
		return Info{}, errors.New("wav payload has no byte rate")
	}
	info.Duration = time.Duration(dec.PCMLen()) * time.Second / time.Duration(bytesPerSecond)
	return info, nil
}
