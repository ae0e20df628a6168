package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/audiobot/pkg/provider/stt"
)

// ErrTranscriberNotRegistered is returned by [Registry.CreateTranscriber]
// when no factory is registered under the requested name.
var ErrTranscriberNotRegistered = errors.New("config: transcriber not registered")

// TranscriberFactory builds a transcriber from its config entry.
type TranscriberFactory func(TranscriberEntry) (stt.Transcriber, error)

// Registry maps transcriber names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu           sync.RWMutex
	transcribers map[string]TranscriberFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{transcribers: make(map[string]TranscriberFactory)}
}

// RegisterTranscriber registers factory under name, replacing any earlier
// registration.
func (r *Registry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribers[name] = factory
}

// CreateTranscriber instantiates the transcriber registered under
// entry.Name.
func (r *Registry) CreateTranscriber(entry TranscriberEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.transcribers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTranscriberNotRegistered, entry.Name)
	}
	t, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create transcriber %q: %w", entry.Name, err)
	}
	return t, nil
}

// Transcribers returns the registered names in sorted order.
func (r *Registry) Transcribers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transcribers))
	for n := range r.transcribers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
