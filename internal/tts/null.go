package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"
	"unicode/utf8"
)

const (
	sampleRate    = 16000
	bitsPerSample = 16
	charsPerSec   = 14
	minDuration   = 500 * time.Millisecond
	maxDuration   = 3 * time.Second
)

// Null produces silence sized to the text, so frontends can still pace
// subtitles without a speech backend.
type Null struct{}

func NewNull() *Null { return &Null{} }

func (*Null) Name() string { return "null" }

func (*Null) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	return SilentWAV(Duration(text)), nil
}

// Duration estimates how long text takes to say, clamped to [0.5s, 3s].
func Duration(text string) time.Duration {
	d := time.Duration(float64(utf8.RuneCountInString(text)) / charsPerSec * float64(time.Second))
	return min(max(d, minDuration), maxDuration)
}

// SilentWAV encodes d of silence as 16 kHz mono 16-bit PCM.
func SilentWAV(d time.Duration) []byte {
	samples := int(d.Seconds() * sampleRate)
	dataLen := uint32(samples * bitsPerSample / 8)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}
