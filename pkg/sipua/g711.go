package sipua

// Кодек G.711 μ-law (PCMU, payload type 0)

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// ulawEncode кодирует линейный 16-битный отсчет в μ-law
func ulawEncode(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// ulawDecode декодирует μ-law в линейный отсчет
func ulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	s := ((int32(mantissa) << 3) + ulawBias) << exponent
	s -= ulawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

func encodeFrame(dst []byte, frame []int16) []byte {
	dst = dst[:0]
	for _, s := range frame {
		dst = append(dst, ulawEncode(s))
	}
	return dst
}

func decodeFrame(dst []int16, payload []byte) []int16 {
	dst = dst[:0]
	for _, b := range payload {
		dst = append(dst, ulawDecode(b))
	}
	return dst
}
