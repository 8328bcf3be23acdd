package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
)

// ErrOddLength is returned when int16 PCM data has an odd byte count.
var ErrOddLength = errors.New("audio: odd byte count in PCM16 data")

// scale16 maps [-1, 1] onto the int16 range. Positive full scale is 32767 so
// that clamped +1.0 does not overflow.
const scale16 = 32767

// FloatToPCM16 clamps s to [-1, 1] and scales it to int16. NaN is silence.
func FloatToPCM16(s float32) int16 {
	switch {
	case s != s:
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	return int16(math.Round(float64(s) * scale16))
}

// PCM16ToFloat is the inverse of [FloatToPCM16].
func PCM16ToFloat(v int16) float32 {
	f := float32(v) / scale16
	if f < -1 {
		return -1
	}
	return f
}

// EncodePCM16 converts float samples to int16 LE bytes, appending to dst.
func EncodePCM16(dst []byte, samples []float32) []byte {
	for _, s := range samples {
		v := FloatToPCM16(s)
		dst = append(dst, byte(v), byte(v>>8))
	}
	return dst
}

// DecodePCM16 converts int16 LE bytes to float samples in [-1, 1].
func DecodePCM16(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = PCM16ToFloat(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out, nil
}

// ResampleLinear resamples mono float samples from srcRate to dstRate using
// linear interpolation. The input is returned unchanged when the rates match.
func ResampleLinear(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// RateFromMIME extracts the "rate" parameter of an audio MIME type such as
// "audio/pcm;rate=24000". It returns fallback when mimeType is empty or has
// no rate parameter.
func RateFromMIME(mimeType string, fallback int) (int, error) {
	if strings.TrimSpace(mimeType) == "" {
		return fallback, nil
	}
	mt, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, fmt.Errorf("audio: parse mime %q: %w", mimeType, err)
	}
	if !strings.HasPrefix(mt, "audio/") {
		return 0, fmt.Errorf("audio: unsupported mime type %q", mt)
	}
	raw, ok := params["rate"]
	if !ok {
		return fallback, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("audio: invalid rate %q in mime %q", raw, mimeType)
	}
	return rate, nil
}

// DecodePayload turns an inbound [Payload] into float samples and their
// sample rate. defaultRate applies when the MIME type carries no rate.
func DecodePayload(p Payload, defaultRate int) ([]float32, int, error) {
	rate, err := RateFromMIME(p.MIMEType, defaultRate)
	if err != nil {
		return nil, 0, err
	}

	pcm := p.Data
	if p.Encoding == EncodingBase64 {
		pcm, err = base64.StdEncoding.DecodeString(string(p.Data))
		if err != nil {
			return nil, 0, fmt.Errorf("audio: decode base64: %w", err)
		}
	}
	if len(pcm) == 0 {
		return nil, 0, errors.New("audio: empty payload")
	}

	samples, err := DecodePCM16(pcm)
	if err != nil {
		return nil, 0, err
	}
	return samples, rate, nil
}
