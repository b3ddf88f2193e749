package audio

import "encoding/binary"

// Mulaw (G.711 PCMU) constants
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// DecodeMulawSample expands one 8-bit mulaw sample to 16-bit linear PCM.
func DecodeMulawSample(sample byte) int16 {
	// Mulaw bytes are stored inverted
	sample = ^sample

	sign := sample & 0x80
	exponent := (sample >> 4) & 0x07
	mantissa := sample & 0x0F

	magnitude := ((int32(mantissa) << 3) + mulawBias) << exponent
	value := int16(magnitude - mulawBias)

	if sign != 0 {
		return -value
	}
	return value
}

// EncodeMulawSample compresses one 16-bit linear PCM sample to 8-bit mulaw.
func EncodeMulawSample(pcm int16) byte {
	// Widen before negating: -int16(-32768) overflows
	val := int32(pcm)

	// Get the sign bit
	sign := uint8(0)
	if val < 0 {
		sign = 0x80
		val = -val
	}

	// Clip the magnitude
	if val > mulawClip {
		val = mulawClip
	}

	// Add bias
	val += mulawBias

	// Segment search: exponent is the position of the highest set bit of
	// the biased magnitude above bit 7
	exponent := uint8(7)
	for mask := int32(0x4000); val&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := uint8((val >> (exponent + 3)) & 0x0F)

	// Combine sign, exponent, and mantissa, then invert all bits
	return ^(sign | (exponent << 4) | mantissa)
}

// MulawToPCM converts mulaw audio to linear PCM int16
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = DecodeMulawSample(val)
	}
	return pcm
}

// PCMToMulaw converts linear PCM int16 to mulaw
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = EncodeMulawSample(val)
	}
	return mulaw
}

// BytesToPCM converts a byte array to int16 PCM (little-endian).
// A trailing odd byte is dropped rather than treated as an error; corrupt
// audio should degrade, not end the call.
func BytesToPCM(data []byte) []int16 {
	pcm := make([]int16, len(data)/2)
	for i := 0; i < len(pcm); i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm
}

// PCMToBytes converts int16 PCM to a byte array (little-endian)
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}
