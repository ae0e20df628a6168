// Package state holds the process-wide application state and notifies
// subscribers when it changes.
//
// There is exactly one [Store] per running client. It is constructed
// explicitly and passed to every component that reads or writes state; there
// is no package-level instance.
package state

import "sync"

// Phase is the conversation phase shown to the user.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseListening  Phase = "listening"
	PhaseSpeaking   Phase = "speaking"
	PhasePaused     Phase = "paused"
	PhaseProcessing Phase = "processing"
	PhasePlayback   Phase = "playback"
	PhaseError      Phase = "error"
)

// IsValid reports whether p is a recognised phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhaseListening, PhaseSpeaking, PhasePaused,
		PhaseProcessing, PhasePlayback, PhaseError:
		return true
	}
	return false
}

// DefaultVoice is the synthesis voice selected at startup.
const DefaultVoice = "en-US-JennyMultilingualNeural"

// DeviceStatus describes who currently holds the audio devices.
type DeviceStatus struct {
	RecordingInitialized bool `json:"recordingInitialized"`
	PlaybackActive       bool `json:"playbackActive"`
	DevicesBusy          bool `json:"devicesBusy"`
}

// State is a snapshot of the application state. It is a plain value; copies
// handed to subscribers are independent of the store.
type State struct {
	Phase            Phase        `json:"currentState"`
	Recording        bool         `json:"isRecording"`
	SpeechEnabled    bool         `json:"speechEnabled"`
	Voice            string       `json:"voice"`
	WakeWordDetected bool         `json:"wakeWordDetected"`
	Devices          DeviceStatus `json:"audioDeviceStatus"`
}

// Default returns the startup state: idle, speech output enabled, default
// voice, devices free.
func Default() State {
	return State{
		Phase:         PhaseIdle,
		SpeechEnabled: true,
		Voice:         DefaultVoice,
	}
}

// DeviceUpdate is a partial update of [DeviceStatus]. Nil fields are left
// untouched.
type DeviceUpdate struct {
	RecordingInitialized *bool
	PlaybackActive       *bool
	DevicesBusy          *bool
}

// Update is a partial update of [State]. Nil fields are left untouched.
type Update struct {
	Phase            *Phase
	Recording        *bool
	SpeechEnabled    *bool
	Voice            *string
	WakeWordDetected *bool
	Devices          *DeviceUpdate
}

// Ptr returns a pointer to v. It keeps Update literals short.
func Ptr[T any](v T) *T { return &v }

// Subscriber is notified after every effective state change.
type Subscriber interface {
	OnStateChanged(s State)
}

// SubscriberFunc adapts a plain function to [Subscriber].
type SubscriberFunc func(State)

// OnStateChanged calls f(s).
func (f SubscriberFunc) OnStateChanged(s State) { f(s) }

// Store owns the current [State].
//
// Mutations are applied atomically and subscribers are notified
// synchronously, in registration order, before Set returns. Notifications
// for successive mutations never interleave. A subscriber must not call Set
// from OnStateChanged; hand the work to another goroutine instead.
type Store struct {
	// notifyMu serialises mutate+notify so subscribers observe changes in
	// mutation order.
	notifyMu sync.Mutex

	mu     sync.Mutex
	state  State
	subs   []*subscription
	nextID uint64
}

type subscription struct {
	id  uint64
	sub Subscriber
}

// NewStore returns a store holding initial.
func NewStore(initial State) *Store {
	return &Store{state: initial}
}

// Get returns a copy of the current state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers sub and returns a function that removes it again. The
// same subscriber may be registered more than once and is then notified once
// per registration.
func (s *Store) Subscribe(sub Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs = append(s.subs, &subscription{id: id, sub: sub})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.subs {
				if e.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Set applies u. Subscribers are notified with the merged state only if at
// least one provided field differs from its current value. Set reports
// whether anything changed.
func (s *Store) Set(u Update) bool {
	return s.setIf(nil, u)
}

// CompareAndSetPhase moves the phase from one value to another only if the
// current phase is from. It reports whether the phase changed.
func (s *Store) CompareAndSetPhase(from, to Phase) bool {
	return s.setIf(func(cur State) bool { return cur.Phase == from }, Update{Phase: &to})
}

// setIf applies u when cond is nil or holds for the current state.
func (s *Store) setIf(cond func(State) bool, u Update) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if cond != nil && !cond(s.state) {
		s.mu.Unlock()
		return false
	}
	next, changed := apply(s.state, u)
	if !changed {
		s.mu.Unlock()
		return false
	}
	s.state = next
	subs := make([]Subscriber, len(s.subs))
	for i, e := range s.subs {
		subs[i] = e.sub
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.OnStateChanged(next)
	}
	return true
}

// apply merges u into cur and reports whether any provided field differed.
func apply(cur State, u Update) (State, bool) {
	changed := false
	if u.Phase != nil && *u.Phase != cur.Phase {
		cur.Phase = *u.Phase
		changed = true
	}
	if u.Recording != nil && *u.Recording != cur.Recording {
		cur.Recording = *u.Recording
		changed = true
	}
	if u.SpeechEnabled != nil && *u.SpeechEnabled != cur.SpeechEnabled {
		cur.SpeechEnabled = *u.SpeechEnabled
		changed = true
	}
	if u.Voice != nil && *u.Voice != cur.Voice {
		cur.Voice = *u.Voice
		changed = true
	}
	if u.WakeWordDetected != nil && *u.WakeWordDetected != cur.WakeWordDetected {
		cur.WakeWordDetected = *u.WakeWordDetected
		changed = true
	}
	if d := u.Devices; d != nil {
		if d.RecordingInitialized != nil && *d.RecordingInitialized != cur.Devices.RecordingInitialized {
			cur.Devices.RecordingInitialized = *d.RecordingInitialized
			changed = true
		}
		if d.PlaybackActive != nil && *d.PlaybackActive != cur.Devices.PlaybackActive {
			cur.Devices.PlaybackActive = *d.PlaybackActive
			changed = true
		}
		if d.DevicesBusy != nil && *d.DevicesBusy != cur.Devices.DevicesBusy {
			cur.Devices.DevicesBusy = *d.DevicesBusy
			changed = true
		}
	}
	return cur, changed
}

// SetPhase sets the conversation phase.
func (s *Store) SetPhase(p Phase) bool { return s.Set(Update{Phase: &p}) }

// SetRecording sets the recording flag.
func (s *Store) SetRecording(v bool) bool { return s.Set(Update{Recording: &v}) }

// SetSpeechEnabled toggles synthesized speech output.
func (s *Store) SetSpeechEnabled(v bool) bool { return s.Set(Update{SpeechEnabled: &v}) }

// SetVoice selects the synthesis voice.
func (s *Store) SetVoice(v string) bool { return s.Set(Update{Voice: &v}) }

// SetWakeWordDetected sets the wake-word flag.
func (s *Store) SetWakeWordDetected(v bool) bool { return s.Set(Update{WakeWordDetected: &v}) }

// SetDeviceStatus merges d into the device status.
func (s *Store) SetDeviceStatus(d DeviceUpdate) bool { return s.Set(Update{Devices: &d}) }

// SetRecordingInitialized sets whether the microphone has been acquired.
func (s *Store) SetRecordingInitialized(v bool) bool {
	return s.SetDeviceStatus(DeviceUpdate{RecordingInitialized: &v})
}

// SetPlaybackActive sets whether playback currently holds the output device.
func (s *Store) SetPlaybackActive(v bool) bool {
	return s.SetDeviceStatus(DeviceUpdate{PlaybackActive: &v})
}

// SetDevicesBusy sets whether any device session is active.
func (s *Store) SetDevicesBusy(v bool) bool {
	return s.SetDeviceStatus(DeviceUpdate{DevicesBusy: &v})
}
