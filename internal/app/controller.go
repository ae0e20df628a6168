package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/MrWong99/audiobot/internal/backend"
	"github.com/MrWong99/audiobot/internal/chatlog"
	"github.com/MrWong99/audiobot/internal/state"
)

// State returns the current application state.
func (a *App) State() state.State { return a.store.Get() }

// Messages returns the chat history, oldest first.
func (a *App) Messages() []chatlog.Message { return a.chat.Messages() }

// ClearMessages empties the chat history.
func (a *App) ClearMessages() { a.chat.Clear() }

// StartListening opens the microphone and feeds captured frames into the
// turn detector. It fails with device.ErrPlaybackActive while a reply plays.
func (a *App) StartListening(ctx context.Context) error {
	if a.baseCtx.Err() != nil {
		return ErrClosed
	}
	if a.devices.IsRecording() {
		return nil
	}
	a.detector.Reset()
	if err := a.devices.StartRecording(ctx, a.detector.HandleFrame); err != nil {
		return fmt.Errorf("app: start listening: %w", err)
	}
	return nil
}

// StopListening releases the microphone, uploads whatever was said since the
// last pause and returns to idle.
func (a *App) StopListening(ctx context.Context) error {
	if err := a.devices.StopRecording(); err != nil {
		return fmt.Errorf("app: stop listening: %w", err)
	}
	a.detector.Flush(ctx)
	a.detector.Reset()
	if !a.devices.IsPlaying() {
		a.store.SetPhase(state.PhaseIdle)
	}
	return nil
}

// StopPlayback cuts the current reply short. Listening does not resume
// automatically afterwards.
func (a *App) StopPlayback() { a.devices.StopPlayback() }

// SendChat posts typed text to the conversation. The reply arrives
// asynchronously through the chat log.
func (a *App) SendChat(ctx context.Context, text string) error {
	if a.baseCtx.Err() != nil {
		return ErrClosed
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("app: chat message must not be empty")
	}
	msg := chatlog.NewMessage(chatlog.RoleUser, text, a.clk.Now().UTC())
	a.addMessage(msg)
	return a.enqueue(ctx, msg)
}

// Voices returns the selectable synthesis voices.
func (a *App) Voices() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.voices)
}

// SetVoice selects the synthesis voice and pushes it to the backend. If the
// backend rejects it the previous voice is restored.
func (a *App) SetVoice(ctx context.Context, voice string) error {
	a.voiceMu.Lock()
	defer a.voiceMu.Unlock()

	prev := a.store.Get().Voice
	if voice == prev {
		return nil
	}
	a.store.SetVoice(voice)
	if err := a.backend.SetVoice(ctx, voice); err != nil {
		a.store.SetVoice(prev)
		return fmt.Errorf("app: set voice %q: %w", voice, err)
	}
	slog.Info("voice changed", "voice", voice)
	return nil
}

// SetSpeechEnabled toggles spoken replies. Disabling stops a reply that is
// currently playing.
func (a *App) SetSpeechEnabled(enabled bool) {
	a.store.SetSpeechEnabled(enabled)
	if !enabled && a.devices.IsPlaying() {
		a.devices.StopPlayback()
	}
}

// SetWakeWordDetected opens or closes the wake-phrase gate manually.
func (a *App) SetWakeWordDetected(detected bool) {
	a.store.SetWakeWordDetected(detected)
}

// Profiles lists the backend personas.
func (a *App) Profiles(ctx context.Context) ([]backend.Profile, error) {
	return a.backend.ProfileNames(ctx)
}

// Prompt returns the system prompt of a persona.
func (a *App) Prompt(ctx context.Context, profileID string) (string, error) {
	return a.backend.Prompt(ctx, profileID)
}

// SavePrompt replaces the system prompt of a persona.
func (a *App) SavePrompt(ctx context.Context, profileID, text string) error {
	return a.backend.SavePrompt(ctx, profileID, text)
}
