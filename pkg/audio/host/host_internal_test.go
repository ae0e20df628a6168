package host

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestPlayback() *playback {
	p := &playback{
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	close(p.started)
	return p
}

func waitDone(t *testing.T, p *playback) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playback did not finish")
	}
}

// ─── Cancellation ─────────────────────────────────────────────────────────────

func TestPlayback_ContextCancelReportsError(t *testing.T) {
	t.Parallel()
	p := newTestPlayback()
	ctx, cancel := context.WithCancel(context.Background())
	go p.cancelOn(ctx)

	cancel()
	waitDone(t, p)

	if err := p.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", err)
	}
}

func TestPlayback_DeadlineReportsError(t *testing.T) {
	t.Parallel()
	p := newTestPlayback()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	go p.cancelOn(ctx)

	waitDone(t, p)

	if err := p.Err(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Err() = %v, want context.DeadlineExceeded", err)
	}
}

func TestPlayback_StopReportsCompletion(t *testing.T) {
	t.Parallel()
	p := newTestPlayback()
	p.Stop()
	waitDone(t, p)

	if err := p.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestPlayback_CancelAfterFinishKeepsResult(t *testing.T) {
	t.Parallel()
	p := newTestPlayback()
	ctx, cancel := context.WithCancel(context.Background())
	p.finish(nil)
	p.cancelOn(ctx)
	cancel()

	if err := p.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}
