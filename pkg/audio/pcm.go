package audio

import (
	"encoding/base64"
	"math"
)

// Float32ToPCM16 converts float32 samples in [-1, 1] to packed little-endian
// int16 PCM. Out-of-range samples are clamped before scaling by 32767, so a
// full-scale input never wraps.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// PCM16ToFloat32 converts packed little-endian int16 PCM to float32 samples
// scaled by 1/32768. A trailing odd byte is dropped.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		v := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}

// EncodePCM16 encodes packed PCM16 bytes as standard base64 for transport
// inside JSON envelopes.
func EncodePCM16(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodePCM16 decodes a base64 payload back to packed PCM16 bytes. Malformed
// input returns an error; callers on the playback path drop the chunk and
// continue.
func DecodePCM16(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}
