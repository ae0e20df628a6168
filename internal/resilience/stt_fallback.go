package resilience

import (
	"context"

	"github.com/MrWong99/audiobot/pkg/provider/stt"
)

// TranscriberFallback implements [stt.Transcriber] with automatic failover
// across several transcription backends, each behind its own breaker.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcriber.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Names returns the backends in the order they are tried.
func (f *TranscriberFallback) Names() []string { return f.group.Names() }

// Transcribe sends wav to the first healthy backend that answers.
func (f *TranscriberFallback) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return Do(ctx, f.group, func(ctx context.Context, t stt.Transcriber) (string, error) {
		return t.Transcribe(ctx, wav)
	})
}
