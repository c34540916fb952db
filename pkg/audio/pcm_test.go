package audio_test

import (
	"math"
	"testing"

	"github.com/strandworks/sitevox/pkg/audio"
)

func TestPCM16RoundTrip(t *testing.T) {
	in := []float32{0, 0.25, -0.25, 0.5, -0.5, 0.9999, -1, 1}
	pcm := audio.Float32ToPCM16(in)
	if len(pcm) != len(in)*2 {
		t.Fatalf("expected %d bytes, got %d", len(in)*2, len(pcm))
	}
	out := audio.PCM16ToFloat32(pcm)
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	const tol = 1.0 / 32768
	for i := range in {
		if d := math.Abs(float64(out[i] - in[i])); d > tol {
			t.Errorf("sample %d: round trip error %v exceeds %v (in=%v out=%v)",
				i, d, tol, in[i], out[i])
		}
	}
}

func TestFloat32ToPCM16_Clamping(t *testing.T) {
	pcm := audio.Float32ToPCM16([]float32{1.5, -1.5})
	got := bytesToSamples(pcm)
	if got[0] != 32767 {
		t.Errorf("over-range sample: got %d, want 32767", got[0])
	}
	if got[1] != -32767 {
		t.Errorf("under-range sample: got %d, want -32767", got[1])
	}
}

func TestPCM16ToFloat32_OddByteDropped(t *testing.T) {
	out := audio.PCM16ToFloat32([]byte{0x00, 0x40, 0xFF})
	if len(out) != 1 {
		t.Fatalf("expected trailing odd byte dropped, got %d samples", len(out))
	}
}

func TestPCM16Base64RoundTrip(t *testing.T) {
	pcm := samplesToBytes([]int16{100, -200, 32767, -32768})
	b64 := audio.EncodePCM16(pcm)
	back, err := audio.DecodePCM16(b64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(back) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(back), len(pcm))
	}
	for i := range pcm {
		if back[i] != pcm[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, back[i], pcm[i])
		}
	}
}

func TestDecodePCM16_Malformed(t *testing.T) {
	if _, err := audio.DecodePCM16("not base64!!!"); err == nil {
		t.Error("expected error for malformed base64")
	}
}
