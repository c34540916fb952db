package audio

import "time"

// Frame represents a single buffer of PCM audio flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from a device
// source, resampled and encoded on the uplink, decoded and scheduled on the
// playback path.
type Frame struct {
	// PCM data, little-endian int16 samples. Interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 from a panel microphone, 16000 on the
	// model uplink, 24000 on the model downlink).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f Frame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / 2 / f.Channels
}

// CaptureConfig describes the constraints requested from a capture device.
// Devices honor them best-effort; the rate and channel count actually granted
// are reported on every [Frame].
type CaptureConfig struct {
	// SampleRate is the preferred capture rate in Hz. Zero lets the device
	// pick its native rate.
	SampleRate int

	// Channels is the preferred channel count. Zero defaults to mono.
	Channels int

	// EchoCancellation asks the device to cancel playback echo on the mic
	// signal. Required for full-duplex sessions where the speaker and mic
	// share a room.
	EchoCancellation bool

	// NoiseSuppression asks the device to filter steady background noise.
	NoiseSuppression bool

	// AutoGainControl asks the device to normalize input volume.
	AutoGainControl bool
}

// PlaybackConfig describes the output format a playback device is opened with.
type PlaybackConfig struct {
	// SampleRate in Hz that scheduled buffers must arrive at.
	SampleRate int

	// Channels of the scheduled buffers. Zero defaults to mono.
	Channels int
}
