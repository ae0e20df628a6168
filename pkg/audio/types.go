package audio

import (
	"math"
	"time"
)

// DefaultSampleRate is the capture and upload sample rate in Hz.
const DefaultSampleRate = 16000

// AudioFrame is a fixed-size block of mono samples emitted by the capture
// stage. Samples are floats in [-1, 1]. The slice is owned by the receiver;
// producers never touch it again after emission.
type AudioFrame struct {
	// Samples holds the mono PCM samples of this frame.
	Samples []float32

	// RMS is the root-mean-square energy of Samples, computed once at capture.
	RMS float64

	// Timestamp marks when the frame was completed by the capture stage.
	Timestamp time.Time
}

// Duration returns the playback length of the frame at sampleRate.
func (f AudioFrame) Duration(sampleRate int) time.Duration {
	return SamplesDuration(len(f.Samples), sampleRate)
}

// Clip is a decoded mono audio buffer ready for playback.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip length. A clip with no sample rate has zero length.
func (c *Clip) Duration() time.Duration {
	if c == nil {
		return 0
	}
	return SamplesDuration(len(c.Samples), c.SampleRate)
}

// Empty reports whether the clip carries no audio.
func (c *Clip) Empty() bool {
	return c == nil || len(c.Samples) == 0 || c.SampleRate <= 0
}

// SamplesDuration converts a sample count at sampleRate into a duration.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// RMS returns the root-mean-square energy of samples: sqrt(mean(x²)).
// An empty slice has zero energy.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
