package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/MrWong99/audiobot/internal/chatlog"
	"github.com/MrWong99/audiobot/internal/device"
	"github.com/MrWong99/audiobot/internal/observe"
	"github.com/MrWong99/audiobot/internal/turn"
	"github.com/MrWong99/audiobot/pkg/audio"
)

// onTranscript receives every uploaded turn from the detector. Failed
// uploads show up in the chat as the error placeholder but are never sent
// to the backend. While a wake phrase is configured and has not been heard,
// transcripts are logged but not forwarded.
func (a *App) onTranscript(ctx context.Context, t turn.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		observe.Logger(ctx).Debug("empty transcript", "duration", t.Duration)
		return
	}
	msg := chatlog.NewMessage(chatlog.RoleUser, text, t.At.UTC())
	a.addMessage(msg)
	if t.Err != nil {
		return
	}
	if !a.wakeGateOpen(text) {
		observe.Logger(ctx).Debug("transcript held back until the wake phrase is heard")
		return
	}
	if err := a.enqueue(ctx, msg); err != nil {
		observe.Logger(ctx).Warn("dropping transcript", "err", err)
	}
}

// wakeGateOpen reports whether text may be forwarded, opening the gate when
// text contains the wake phrase.
func (a *App) wakeGateOpen(text string) bool {
	a.mu.Lock()
	phrase := a.wakePhrase
	a.mu.Unlock()

	if phrase == "" || a.store.Get().WakeWordDetected {
		return true
	}
	if !containsPhrase(text, phrase) {
		return false
	}
	a.store.SetWakeWordDetected(true)
	return true
}

// containsPhrase matches phrase against text as whole words, ignoring case
// and punctuation.
func containsPhrase(text, phrase string) bool {
	p := normalize(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(" "+normalize(text)+" ", " "+p+" ")
}

func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func (a *App) addMessage(msg chatlog.Message) {
	a.chat.Add(msg)
	a.metrics.RecordChatMessage(context.Background(), string(msg.Role))
}

// enqueue hands msg to the conversation worker.
func (a *App) enqueue(ctx context.Context, msg chatlog.Message) error {
	if a.baseCtx.Err() != nil {
		return ErrClosed
	}
	select {
	case a.queue <- msg:
		return nil
	case <-a.baseCtx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// converseLoop answers queued user messages one at a time so replies keep
// the order of the questions.
func (a *App) converseLoop() {
	defer close(a.workerDone)
	for {
		select {
		case <-a.baseCtx.Done():
			return
		case msg := <-a.queue:
			a.converse(a.baseCtx, msg)
		}
	}
}

// converse sends msg to the backend, logs the reply and, when speech is
// enabled, plays it back. Failures are logged and never stop the loop.
func (a *App) converse(ctx context.Context, msg chatlog.Message) {
	ctx, span := observe.StartSpan(ctx, "app.converse")
	err := a.reply(ctx, msg)
	observe.EndSpan(span, err)
	if err != nil && !errors.Is(err, context.Canceled) {
		observe.Logger(ctx).Error("conversation turn failed", "err", err)
	}
}

func (a *App) reply(ctx context.Context, msg chatlog.Message) error {
	reply, err := a.backend.Chat(ctx, msg)
	if err != nil {
		return err
	}
	a.addMessage(reply.Message())

	if !a.store.Get().SpeechEnabled {
		return nil
	}
	data, err := a.backend.Synthesize(ctx, reply)
	if err != nil {
		return err
	}
	clip, err := audio.DecodeClip(bytes.NewReader(data))
	if err != nil {
		return err
	}
	// Speech may have been switched off while synthesizing.
	if !a.store.Get().SpeechEnabled {
		return nil
	}
	if err := a.devices.StartPlayback(ctx, clip); err != nil {
		if errors.Is(err, device.ErrNoAudio) {
			observe.Logger(ctx).Warn("synthesized reply contained no audio")
			return nil
		}
		return err
	}
	return nil
}
