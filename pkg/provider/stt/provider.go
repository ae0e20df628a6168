// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber takes one complete utterance, already encoded as a 16-bit
// mono PCM WAV file, and returns its text. Turn detection happens on the
// client before the call, so implementations only deal with finished
// utterances and never stream.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when Transcribe receives no audio payload.
var ErrEmptyAudio = errors.New("stt: empty audio payload")

// Transcriber converts one finished utterance into text.
type Transcriber interface {
	// Transcribe uploads wav and returns the recognised text. An empty string
	// with a nil error means the backend heard nothing intelligible.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// TranscriberFunc adapts a plain function to [Transcriber].
type TranscriberFunc func(ctx context.Context, wav []byte) (string, error)

// Transcribe calls f(ctx, wav).
func (f TranscriberFunc) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return f(ctx, wav)
}
