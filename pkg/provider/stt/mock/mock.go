// Package mock provides a test double for [stt.Transcriber].
//
// Example:
//
//	tr := &mock.Transcriber{Text: "hello"}
//	text, _ := tr.Transcribe(ctx, wav)
//	len(tr.Calls()) // 1
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/audiobot/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// WAV is a copy of the uploaded payload.
	WAV []byte
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by every successful Transcribe call.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Block, if non-nil, is received from before Transcribe returns. Close
	// it to release pending calls.
	Block chan struct{}

	calls []TranscribeCall
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcribe records the call and returns Text, Err.
func (m *Transcriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	m.mu.Lock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	m.calls = append(m.calls, TranscribeCall{Ctx: ctx, WAV: cp})
	block := m.Block
	text, err := m.Text, m.Err
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, err
}

// Calls returns a copy of all recorded calls. Thread-safe.
func (m *Transcriber) Calls() []TranscribeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TranscribeCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
