package audio

import "encoding/binary"

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit
// linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit
// linear PCM sample.
var alawToLinear [256]int16

// G.711 u-law encoding table: maps each 16-bit signed sample to a u-law byte.
var linearToUlaw [65536]uint8

// G.711 a-law encoding table: maps each 16-bit signed sample to an a-law byte.
var linearToAlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	// Reconstruct in the 14-bit u-law domain, then scale to 16-bit so PCMU
	// and PCMA decode into the same amplitude range (table max ±32124).
	magnitude := (((2*mantissa + 33) << uint(exponent)) - 33) * 4
	return sign * int16(magnitude)
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 {
		if sample&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// encodeAlaw converts a 16-bit linear PCM sample to an a-law byte.
func encodeAlaw(sample int16) uint8 {
	sign := uint8(0x80)
	if sample < 0 {
		sign = 0
		sample = -sample
	}
	if sample > 32635 {
		sample = 32635
	}

	var out uint8
	if sample >= 256 {
		exponent := 7
		mask := int16(0x4000)
		for exponent > 1 {
			if sample&mask != 0 {
				break
			}
			exponent--
			mask >>= 1
		}
		mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
		out = uint8(exponent<<4) | uint8(mantissa)
	} else {
		out = uint8(sample >> 4)
	}
	return (out | sign) ^ 0x55
}

// DecodeUlawToPCM expands G.711 u-law bytes to s16le PCM.
func DecodeUlawToPCM(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ulawToLinear[b]))
	}
	return out
}

// DecodeAlawToPCM expands G.711 a-law bytes to s16le PCM.
func DecodeAlawToPCM(payload []byte) []byte {
	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(alawToLinear[b]))
	}
	return out
}

// EncodePCMToUlaw compresses s16le PCM to G.711 u-law. A trailing odd byte
// is ignored.
func EncodePCMToUlaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = linearToUlaw[uint16(s)]
	}
	return out
}

// EncodePCMToAlaw compresses s16le PCM to G.711 a-law. A trailing odd byte
// is ignored.
func EncodePCMToAlaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = linearToAlaw[uint16(s)]
	}
	return out
}
