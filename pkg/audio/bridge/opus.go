package bridge

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus uplink format: panels that compress their mic stream encode 20 ms
// frames at 48 kHz, the codec's native rate.
const (
	opusSampleRate  = 48000
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// opusDecoder wraps a gopus decoder for one panel's uplink stream. Opus
// decoders are stateful across consecutive packets, so the decoder lives for
// the whole panel connection.
type opusDecoder struct {
	dec      *gopus.Decoder
	channels int
}

// newOpusDecoder creates a decoder for the panel's declared channel count.
func newOpusDecoder(channels int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("bridge: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, channels: channels}, nil
}

// decode decodes one Opus packet into interleaved little-endian PCM16 bytes.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("bridge: opus decode: %w", err)
	}
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out, nil
}
