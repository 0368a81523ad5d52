package audio

import (
	"encoding/binary"
	"testing"
)

func TestResampleHalvesSampleCount(t *testing.T) {
	pcm := make([]byte, 2400*2) // 100ms at 24kHz
	for i := 0; i < 2400; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(1000)))
	}

	out := Resample(pcm, 24000, 8000)
	if len(out) != 800*2 {
		t.Fatalf("resampled length = %d bytes, want %d", len(out), 800*2)
	}
	// A constant signal must survive interpolation unchanged.
	for i := 0; i < len(out)/2; i++ {
		if v := int16(binary.LittleEndian.Uint16(out[i*2:])); v != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, v)
		}
	}
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out := Resample(pcm, 8000, 8000)
	if &out[0] != &pcm[0] {
		t.Error("same-rate resample should return the input unchanged")
	}
}

func TestResampleEmptyInput(t *testing.T) {
	if out := Resample(nil, 24000, 8000); len(out) != 0 {
		t.Errorf("resampling empty input produced %d bytes", len(out))
	}
}
