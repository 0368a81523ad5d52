package audio

import (
	"encoding/binary"
	"testing"
)

func TestUlawRoundTripNearLossless(t *testing.T) {
	// Encode then decode each representative sample; G.711 is lossy but the
	// quantization error is bounded by the segment step size.
	for _, s := range []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000} {
		enc := encodeUlaw(s)
		dec := ulawToLinear[enc]

		diff := int32(s) - int32(dec)
		if diff < 0 {
			diff = -diff
		}
		// Max step in the top u-law segment.
		if diff > 1024 {
			t.Errorf("sample %d round-tripped to %d (diff %d)", s, dec, diff)
		}
	}
}

func TestUlawAlawDecodeMatchingScale(t *testing.T) {
	// Both codecs must decode into the full 16-bit range: 0x80 is the
	// maximum positive u-law code (32124), 0xAA the a-law one (32256).
	// A mismatch would make the recorded amplitude depend on which codec
	// the call negotiated.
	if got := ulawToLinear[0x80]; got != 32124 {
		t.Errorf("ulaw full-scale decodes to %d, want 32124", got)
	}
	if got := alawToLinear[0xAA]; got != 32256 {
		t.Errorf("alaw full-scale decodes to %d, want 32256", got)
	}
}

func TestDecodeUlawSilence(t *testing.T) {
	// 0xFF is u-law digital silence (sample 0).
	if got := ulawToLinear[0xFF]; got != 0 {
		t.Errorf("ulaw 0xFF decodes to %d, want 0", got)
	}
}

func TestDecodeUlawToPCMLength(t *testing.T) {
	payload := make([]byte, 160) // one 20ms packet at 8kHz
	pcm := DecodeUlawToPCM(payload)
	if len(pcm) != 320 {
		t.Errorf("pcm length = %d, want 320", len(pcm))
	}
}

func TestDecodeAlawToPCMLength(t *testing.T) {
	payload := make([]byte, 160)
	pcm := DecodeAlawToPCM(payload)
	if len(pcm) != 320 {
		t.Errorf("pcm length = %d, want 320", len(pcm))
	}
}

func TestEncodePCMToUlawLength(t *testing.T) {
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*100)))
	}
	out := EncodePCMToUlaw(pcm)
	if len(out) != 160 {
		t.Errorf("ulaw length = %d, want 160", len(out))
	}
}
