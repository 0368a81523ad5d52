package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writePCM16 writes count copies of sample as s16le to a temp file.
func writePCM16(t *testing.T, samples []int16) string {
	t.Helper()
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	path := filepath.Join(t.TempDir(), "audio.pcm")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTailRMSConstantAmplitude(t *testing.T) {
	// 1 second of constant amplitude 1000 at 8kHz: RMS is exactly 1000.
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = 1000
	}
	path := writePCM16(t, samples)

	got := TailRMS(path, 8000, 2, 1.0)
	if math.Abs(got-1000) > 0.001 {
		t.Errorf("TailRMS = %v, want 1000", got)
	}
}

func TestTailRMSWindowCoversOnlyTail(t *testing.T) {
	// First half loud, second half silent. A half-second window must see
	// only the silent tail.
	samples := make([]int16, 8000)
	for i := 0; i < 4000; i++ {
		samples[i] = 10000
	}
	path := writePCM16(t, samples)

	got := TailRMS(path, 8000, 2, 0.5)
	if got != 0 {
		t.Errorf("TailRMS over silent tail = %v, want 0", got)
	}
}

func TestTailRMSWindowLargerThanFile(t *testing.T) {
	samples := []int16{500, 500, 500, 500}
	path := writePCM16(t, samples)

	got := TailRMS(path, 8000, 2, 2.0)
	if math.Abs(got-500) > 0.001 {
		t.Errorf("TailRMS = %v, want 500", got)
	}
}

func TestTailRMSMissingFile(t *testing.T) {
	got := TailRMS(filepath.Join(t.TempDir(), "nope.pcm"), 8000, 2, 1.0)
	if got != 0 {
		t.Errorf("TailRMS on missing file = %v, want 0", got)
	}
}

func TestTailRMSEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pcm")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := TailRMS(path, 8000, 2, 1.0); got != 0 {
		t.Errorf("TailRMS on empty file = %v, want 0", got)
	}
}

func TestTailRMSUnsigned8Bit(t *testing.T) {
	// 8-bit samples are unsigned, centred at 128. 128 everywhere is silence.
	buf := make([]byte, 8000)
	for i := range buf {
		buf[i] = 128
	}
	path := filepath.Join(t.TempDir(), "u8.pcm")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := TailRMS(path, 8000, 1, 1.0); got != 0 {
		t.Errorf("TailRMS of centred 8-bit silence = %v, want 0", got)
	}
}

func TestByteOffset(t *testing.T) {
	tests := []struct {
		ms    int64
		rate  int
		width int
		want  int64
	}{
		{0, 8000, 2, 0},
		{1000, 8000, 2, 16000},
		{500, 8000, 2, 8000},
		{20, 8000, 2, 320},
		{1, 8000, 2, 16},
		{1000, 16000, 2, 32000},
		{333, 8000, 1, 2664}, // floor(333*8000/1000)
	}
	for _, tt := range tests {
		if got := ByteOffset(tt.ms, tt.rate, tt.width); got != tt.want {
			t.Errorf("ByteOffset(%d, %d, %d) = %d, want %d",
				tt.ms, tt.rate, tt.width, got, tt.want)
		}
	}
}

func TestNewSegment(t *testing.T) {
	seg := NewSegment(1500, 4200, 8000, 2)

	if seg.DurationMS != 2700 {
		t.Errorf("DurationMS = %d, want 2700", seg.DurationMS)
	}
	if seg.PCMStartByte != 24000 {
		t.Errorf("PCMStartByte = %d, want 24000", seg.PCMStartByte)
	}
	if seg.PCMEndByte != 67200 {
		t.Errorf("PCMEndByte = %d, want 67200", seg.PCMEndByte)
	}
}

func TestExtractRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.pcm")
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ExtractRange(path, 2, 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0] != 2 || got[3] != 5 {
		t.Errorf("ExtractRange(2, 6) = %v, want [2 3 4 5]", got)
	}
}

func TestExtractRangeClampsEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.pcm")
	if err := os.WriteFile(path, []byte{0, 1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ExtractRange(path, 2, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2 (end clamped to file size)", len(got))
	}
}

func TestExtractRangeInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.pcm")
	if err := os.WriteFile(path, []byte{0, 1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name       string
		start, end int64
	}{
		{"negative start", -1, 4},
		{"start equals end", 2, 2},
		{"start after end", 3, 1},
		{"start beyond file", 10, 20},
	}
	for _, tc := range cases {
		if _, err := ExtractRange(path, tc.start, tc.end); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("%s: err = %v, want ErrInvalidRange", tc.name, err)
		}
	}
}
