package audio

// Resample converts float32 samples from fromRate to toRate using linear
// interpolation. If the rates match, the input slice is returned unchanged
// (zero allocation). Non-positive rates return nil.
//
// The output length is len(samples)*toRate/fromRate in integer math, i.e.
// floor(len/ratio) for ratio = fromRate/toRate. No state is kept between
// calls; for chunked streams the per-chunk boundary error is below one
// sample, which is inaudible for speech.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}
	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return nil
	}

	out := make([]float32, outLen)
	ratio := float64(fromRate) / float64(toRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// ResamplePCM16 resamples 16-bit mono PCM from fromRate to toRate using
// linear interpolation. The input must be little-endian int16 samples. If the
// rates match, the input is returned unchanged.
func ResamplePCM16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 {
		return nil
	}
	if fromRate == toRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(toRate) / int64(fromRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(fromRate) / float64(toRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// DownmixStereo16 averages L+R per stereo frame (4 bytes) to produce mono
// int16 PCM. Uses int32 arithmetic to prevent overflow and clamps to int16
// range.
func DownmixStereo16(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ToMonoFloat32 converts a frame to mono float32 samples at the frame's own
// rate, downmixing stereo first. This is the capture-side normalization step
// before [Resample].
func ToMonoFloat32(f Frame) []float32 {
	pcm := f.Data
	if f.Channels == 2 {
		pcm = DownmixStereo16(pcm)
	}
	return PCM16ToFloat32(pcm)
}
