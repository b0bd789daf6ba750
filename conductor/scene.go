package conductor

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go-conductor/link"
	"go-conductor/router"
)

var (
	ErrSceneNotFound  = errors.New("scene not found")
	ErrInvalidScene   = errors.New("invalid scene")
	ErrDuplicateScene = errors.New("scene already exists")

	// ErrInvalidTempo is link.ErrInvalidTempo, exported here so command
	// surfaces only need this package.
	ErrInvalidTempo = link.ErrInvalidTempo
)

const maxSceneName = 64

// Scene is a stored preset: a tempo and the routing to use with it.
type Scene struct {
	Name     string        `json:"name"`
	BPM      float64       `json:"bpm"`
	Notes    string        `json:"notes,omitempty"`
	Route    router.Config `json:"route"`
	Programs []Program     `json:"programs,omitempty"`
	Created  time.Time     `json:"created"`
	Updated  time.Time     `json:"updated"`
}

// Program is a program change sent to an output when the scene loads.
// Channel is 1-16.
type Program struct {
	Output  string `json:"output"`
	Channel int    `json:"channel"`
	Program int    `json:"program"`
}

// Clone returns a deep copy.
func (s Scene) Clone() Scene {
	s.Route = s.Route.Clone()
	s.Programs = slices.Clone(s.Programs)
	return s
}

// Validate checks the parts of a scene that do not depend on the
// running system.
func (s Scene) Validate() error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if err := link.ValidateTempo(s.BPM); err != nil {
		return fmt.Errorf("scene %q: %w: %w", s.Name, ErrInvalidScene, err)
	}
	if _, err := router.Compile(s.Route); err != nil {
		return fmt.Errorf("scene %q: %w: %w", s.Name, ErrInvalidScene, err)
	}
	for _, p := range s.Programs {
		if p.Output == "" || p.Channel < 1 || p.Channel > 16 || p.Program < 0 || p.Program > 127 {
			return fmt.Errorf("scene %q: program %+v: %w", s.Name, p, ErrInvalidScene)
		}
	}
	return nil
}

// ValidateName rejects empty and oversized names.
func ValidateName(name string) error {
	n := strings.TrimSpace(name)
	if n == "" || n != name || len(n) > maxSceneName {
		return fmt.Errorf("scene name %q: %w", name, ErrInvalidScene)
	}
	return nil
}

// SceneStore persists scenes. Get and Delete return ErrSceneNotFound for
// unknown names.
type SceneStore interface {
	List() ([]Scene, error)
	Get(name string) (Scene, error)
	Put(s Scene) error
	Delete(name string) error
}

// MemoryStore keeps scenes in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	scenes map[string]Scene
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scenes: make(map[string]Scene)}
}

func (m *MemoryStore) List() ([]Scene, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		out = append(out, s.Clone())
	}
	sortScenes(out)
	return out, nil
}

func (m *MemoryStore) Get(name string) (Scene, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenes[name]
	if !ok {
		return Scene{}, fmt.Errorf("%q: %w", name, ErrSceneNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Put(s Scene) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes[s.Name] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scenes[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrSceneNotFound)
	}
	delete(m.scenes, name)
	return nil
}

func sortScenes(s []Scene) {
	sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
}
