package audio

import (
	"encoding/binary"
	"math"
)

const (
	// wavHeaderSize is the size of a canonical PCM RIFF/WAVE header.
	wavHeaderSize = 44

	// bitsPerSample is fixed at 16 for uploaded audio.
	bitsPerSample = 16
)

// EncodeWAV encodes mono float samples as a 16-bit PCM RIFF/WAVE file at
// sampleRate. The result is a 44-byte header followed by little-endian
// samples.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	return wrapWAV(FloatToPCM16(samples), sampleRate, 1)
}

// wrapWAV prepends a canonical header to raw 16-bit little-endian PCM.
func wrapWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)

	return buf
}

// FloatToPCM16 converts float samples to 16-bit little-endian PCM. Samples
// are clamped to [-1, 1]; negative values scale by 32768 and positive values
// by 32767, truncating toward zero. NaN encodes as silence.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return int16(math.Max(v, -1) * 0x8000)
	default:
		return int16(math.Min(v, 1) * 0x7FFF)
	}
}

// PCM16ToFloat converts 16-bit little-endian PCM to floats in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// MergeFrames concatenates the samples of frames in order into one slice.
func MergeFrames(frames []AudioFrame) []float32 {
	total := 0
	for _, f := range frames {
		total += len(f.Samples)
	}
	out := make([]float32, 0, total)
	for _, f := range frames {
		out = append(out, f.Samples...)
	}
	return out
}
