package audio

import "encoding/binary"

// Resample converts mono s16le PCM between sample rates by linear
// interpolation. Good enough for telephone-band speech; callers needing
// higher fidelity should resample upstream.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return pcm
	}
	in := len(pcm) / 2
	if in == 0 {
		return nil
	}
	out := int(int64(in) * int64(toRate) / int64(fromRate))
	res := make([]byte, out*2)

	for i := 0; i < out; i++ {
		// Source position for this output sample.
		pos := float64(i) * float64(fromRate) / float64(toRate)
		j := int(pos)
		frac := pos - float64(j)

		s0 := int16(binary.LittleEndian.Uint16(pcm[j*2:]))
		s1 := s0
		if j+1 < in {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(j+1)*2:]))
		}
		v := float64(s0) + frac*float64(s1-s0)
		binary.LittleEndian.PutUint16(res[i*2:], uint16(int16(v)))
	}
	return res
}
