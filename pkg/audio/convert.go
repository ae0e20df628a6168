package audio

import (
	"log/slog"
	"sync"
)

// ClipConverter resamples clips to a fixed output rate. It logs once on the
// first rate mismatch. Create one per output device.
type ClipConverter struct {
	TargetRate int
	warned     sync.Once
}

// Convert returns clip resampled to TargetRate. A clip already at the target
// rate is returned unchanged.
func (c *ClipConverter) Convert(clip *Clip) *Clip {
	if clip.Empty() || c.TargetRate <= 0 || clip.SampleRate == c.TargetRate {
		return clip
	}
	c.warned.Do(func() {
		slog.Info("audio: resampling playback clips",
			"from_hz", clip.SampleRate,
			"to_hz", c.TargetRate,
		)
	})
	return &Clip{
		Samples:    Resample(clip.Samples, clip.SampleRate, c.TargetRate),
		SampleRate: c.TargetRate,
	}
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Invalid or equal rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx < last {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Downmix averages interleaved stereo frames into mono samples.
func Downmix(frames [][2]float64) []float32 {
	out := make([]float32, len(frames))
	for i, f := range frames {
		out[i] = float32((f[0] + f[1]) / 2)
	}
	return out
}

// Upmix duplicates mono samples into stereo frames. dst must hold at least
// len(src) frames; the number of frames written is returned.
func Upmix(dst [][2]float64, src []float32) int {
	n := min(len(dst), len(src))
	for i := range n {
		v := float64(src[i])
		dst[i] = [2]float64{v, v}
	}
	return n
}
