// Package prefs persists the user's charge limit preference.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/solar3s/chargelimit/chargelimit"
)

// Preferences as stored on disk. A zero ChargeLimitValue means unset.
type Preferences struct {
	ChargeLimitEnabled bool `toml:"chargeLimitEnabled"`
	ChargeLimitValue   int  `toml:"chargeLimitValue"`
}

func (p Preferences) Intention() chargelimit.Intention {
	return chargelimit.Intention{Enabled: p.ChargeLimitEnabled, TargetPercent: p.ChargeLimitValue}
}

func FromIntention(i chargelimit.Intention) Preferences {
	return Preferences{ChargeLimitEnabled: i.Enabled, ChargeLimitValue: i.TargetPercent}
}

// Store loads and saves the intention.
type Store interface {
	Load() (chargelimit.Intention, error)
	Save(chargelimit.Intention) error
}

// FileStore keeps preferences in a TOML file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

// Load returns the stored intention, or the zero intention if the
// file doesn't exist yet.
func (s *FileStore) Load() (chargelimit.Intention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p Preferences
	_, err := toml.DecodeFile(s.path, &p)
	if errors.Is(err, os.ErrNotExist) {
		return chargelimit.Intention{}, nil
	}
	if err != nil {
		return chargelimit.Intention{}, fmt.Errorf("reading preferences %q: %w", s.path, err)
	}
	return p.Intention(), nil
}

// Save writes i atomically: a temp file in the same directory is renamed over the old one.
func (s *FileStore) Save(i chargelimit.Intention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".prefs-*.toml")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := toml.NewEncoder(f).Encode(FromIntention(i)); err != nil {
		f.Close()
		return fmt.Errorf("encoding preferences: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.Mutex
	value chargelimit.Intention
	saves []chargelimit.Intention
}

func NewMemory(i chargelimit.Intention) *Memory {
	return &Memory{value: i}
}

func (m *Memory) Load() (chargelimit.Intention, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *Memory) Save(i chargelimit.Intention) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = i
	m.saves = append(m.saves, i)
	return nil
}

// Saves returns every intention saved so far.
func (m *Memory) Saves() []chargelimit.Intention {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chargelimit.Intention(nil), m.saves...)
}
