package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// ErrUnsupportedFormat is returned by [DecodeClip] when the payload is neither
// RIFF/WAVE nor MPEG audio.
var ErrUnsupportedFormat = errors.New("audio: unsupported clip format")

// decodeChunk is the number of stereo frames pulled per Stream call.
const decodeChunk = 1024

// DecodeClip reads a complete synthesized audio payload and decodes it into a
// mono [Clip]. WAV and MP3 payloads are recognised by their leading bytes.
func DecodeClip(r io.Reader) (*Clip, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("audio: read clip: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("audio: decode clip: %w", ErrUnsupportedFormat)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)
	switch sniff(data) {
	case "wav":
		streamer, format, err = wav.Decode(bytes.NewReader(data))
	case "mp3":
		streamer, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("audio: decode clip: %w", ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("audio: decode clip: %w", err)
	}
	defer streamer.Close()

	samples, err := drainStreamer(streamer)
	if err != nil {
		return nil, fmt.Errorf("audio: decode clip: %w", err)
	}
	return &Clip{Samples: samples, SampleRate: int(format.SampleRate)}, nil
}

// sniff classifies a payload by its magic bytes.
func sniff(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return "wav"
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	}
	return ""
}

// drainStreamer pulls every frame out of s and downmixes it to mono.
func drainStreamer(s beep.Streamer) ([]float32, error) {
	buf := make([][2]float64, decodeChunk)
	var out []float32
	for {
		n, ok := s.Stream(buf)
		out = append(out, Downmix(buf[:n])...)
		if !ok {
			break
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
