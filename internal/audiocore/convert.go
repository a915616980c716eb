package audiocore

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	int16Scale = 32768.0
	int32Scale = 2147483648.0
)

// DecodeSamples appends the samples of buf, scaled to [-1, 1], to dst.
func DecodeSamples(dst []float32, buf []byte, encoding string) ([]float32, error) {
	switch encoding {
	case EncodingU8:
		for _, b := range buf {
			dst = append(dst, (float32(b)-128)/128)
		}
	case EncodingS16LE:
		if len(buf)%2 != 0 {
			return dst, fmt.Errorf("buffer length %d is not a multiple of 2", len(buf))
		}
		for i := 0; i < len(buf); i += 2 {
			dst = append(dst, float32(int16(binary.LittleEndian.Uint16(buf[i:])))/int16Scale)
		}
	case EncodingS32LE:
		if len(buf)%4 != 0 {
			return dst, fmt.Errorf("buffer length %d is not a multiple of 4", len(buf))
		}
		for i := 0; i < len(buf); i += 4 {
			dst = append(dst, float32(float64(int32(binary.LittleEndian.Uint32(buf[i:])))/int32Scale))
		}
	case EncodingF32LE:
		if len(buf)%4 != 0 {
			return dst, fmt.Errorf("buffer length %d is not a multiple of 4", len(buf))
		}
		for i := 0; i < len(buf); i += 4 {
			dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(buf[i:])))
		}
	default:
		return dst, fmt.Errorf("unsupported encoding %q", encoding)
	}
	return dst, nil
}

// EncodeSamples appends samples, clamped to [-1, 1], to dst in the given encoding.
func EncodeSamples(dst []byte, samples []float32, encoding string) []byte {
	for _, s := range samples {
		s = clamp(s)
		switch encoding {
		case EncodingU8:
			dst = append(dst, uint8(min(math.Round(float64(s)*128+128), 255)))
		case EncodingS16LE:
			dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(math.Round(float64(s)*32767))))
		case EncodingS32LE:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(math.Round(float64(s)*2147483647))))
		case EncodingF32LE:
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(s))
		}
	}
	return dst
}

func clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	case s != s: // NaN
		return 0
	default:
		return s
	}
}

// mapChannels converts interleaved frames with in channels to out channels.
// Downmixing averages every source channel i into output channel i%out;
// upmixing copies source channel c%in into output channel c.
func mapChannels(dst, src []float32, in, out int) []float32 {
	if in == out {
		return append(dst, src...)
	}
	frames := len(src) / in
	for f := range frames {
		frame := src[f*in : (f+1)*in]
		if out > in {
			for c := range out {
				dst = append(dst, frame[c%in])
			}
			continue
		}
		for c := range out {
			var sum float32
			n := 0
			for i := c; i < in; i += out {
				sum += frame[i]
				n++
			}
			dst = append(dst, sum/float32(n))
		}
	}
	return dst
}
