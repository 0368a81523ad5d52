// Package audio holds the pure audio-analysis functions the rest of the
// system builds on: windowed RMS over the tail of a growing PCM file,
// byte-range extraction, WAV header handling, and G.711 conversion.
//
// Nothing in this package holds file handles across calls or mutates state;
// readers tolerate a file that is still being written by clamping to its
// current size.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrInvalidRange is returned by ExtractRange when the requested start byte
// lies at or beyond the end of the file.
var ErrInvalidRange = errors.New("audio: invalid byte range")

// Segment is a contiguous span of caller speech bracketed by silence.
// Millisecond fields are measured from recording start; byte offsets are
// derived with ByteOffset so the time and byte views always agree.
// A Segment is never mutated after creation.
type Segment struct {
	StartMS      int64 `yaml:"start_ms" json:"start_ms"`
	EndMS        int64 `yaml:"end_ms" json:"end_ms"`
	DurationMS   int64 `yaml:"duration_ms" json:"duration_ms"`
	PCMStartByte int64 `yaml:"pcm_start_byte" json:"pcm_start_byte"`
	PCMEndByte   int64 `yaml:"pcm_end_byte" json:"pcm_end_byte"`
}

// ByteOffset converts a millisecond position into a byte offset in a raw
// PCM stream: floor(ms × sampleRate × sampleWidth / 1000).
func ByteOffset(ms int64, sampleRate, sampleWidth int) int64 {
	return ms * int64(sampleRate) * int64(sampleWidth) / 1000
}

// NewSegment builds a Segment from its time span, deriving the byte offsets
// from the same arithmetic as ByteOffset.
func NewSegment(startMS, endMS int64, sampleRate, sampleWidth int) Segment {
	return Segment{
		StartMS:      startMS,
		EndMS:        endMS,
		DurationMS:   endMS - startMS,
		PCMStartByte: ByteOffset(startMS, sampleRate, sampleWidth),
		PCMEndByte:   ByteOffset(endMS, sampleRate, sampleWidth),
	}
}

// TailRMS reads the last windowSeconds of audio from a raw PCM file and
// returns its root-mean-square amplitude. sampleWidth selects the sample
// format: 1 = unsigned 8-bit (centred by subtracting 128), 2 = signed
// 16-bit little-endian, 4 = signed 32-bit little-endian.
//
// A missing or empty file, an unsupported width, or a non-positive window
// yields 0 rather than an error: silence is the safe answer for a recording
// that has not produced audio yet.
func TailRMS(path string, sampleRate, sampleWidth int, windowSeconds float64) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	if sampleWidth != 1 && sampleWidth != 2 && sampleWidth != 4 {
		return 0
	}

	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0
	}

	window := int64(float64(sampleRate)*windowSeconds) * int64(sampleWidth)
	// Align to sample boundaries and clamp to the current file size.
	size := info.Size() - info.Size()%int64(sampleWidth)
	if window > size {
		window = size
	}
	if window == 0 {
		return 0
	}

	if _, err := f.Seek(size-window, io.SeekStart); err != nil {
		return 0
	}
	raw := make([]byte, window)
	if _, err := io.ReadFull(f, raw); err != nil {
		return 0
	}

	return rms(raw, sampleWidth)
}

// rms computes sqrt(mean(sample²)) over raw sample bytes.
func rms(raw []byte, sampleWidth int) float64 {
	n := len(raw) / sampleWidth
	if n == 0 {
		return 0
	}

	var sum float64
	switch sampleWidth {
	case 1:
		for _, b := range raw {
			v := float64(b) - 128
			sum += v * v
		}
	case 2:
		for i := 0; i+1 < len(raw); i += 2 {
			v := float64(int16(binary.LittleEndian.Uint16(raw[i:])))
			sum += v * v
		}
	case 4:
		for i := 0; i+3 < len(raw); i += 4 {
			v := float64(int32(binary.LittleEndian.Uint32(raw[i:])))
			sum += v * v
		}
	}
	return math.Sqrt(sum / float64(n))
}

// ExtractRange returns the bytes [startByte, endByte) of the file at path.
// endByte is clamped to the current file size; a startByte at or beyond the
// file end fails with ErrInvalidRange.
func ExtractRange(path string, startByte, endByte int64) ([]byte, error) {
	if startByte < 0 || startByte >= endByte {
		return nil, fmt.Errorf("%w: start %d, end %d", ErrInvalidRange, startByte, endByte)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat audio file: %w", err)
	}
	if startByte >= info.Size() {
		return nil, fmt.Errorf("%w: start %d beyond file size %d", ErrInvalidRange, startByte, info.Size())
	}
	if endByte > info.Size() {
		endByte = info.Size()
	}

	if _, err := f.Seek(startByte, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to segment start: %w", err)
	}
	buf := make([]byte, endByte-startByte)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("reading segment: %w", err)
	}
	return buf, nil
}
