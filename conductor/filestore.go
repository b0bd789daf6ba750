package conductor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON file per scene in a directory.
type FileStore struct {
	dir string
}

// ScenesDir returns the default scenes directory.
func ScenesDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-conductor", "scenes"), nil
}

// NewFileStore uses dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, sanitizeFilename(name)+".json")
}

// List returns every readable scene sorted by name. Files that do not
// decode are skipped.
func (f *FileStore) List() ([]Scene, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Scene{}, nil
		}
		return nil, err
	}

	scenes := []Scene{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		s, err := readScene(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			continue
		}
		scenes = append(scenes, s)
	}
	sortScenes(scenes)
	return scenes, nil
}

// Get returns the named scene. A file that does not decode is
// ErrInvalidScene.
func (f *FileStore) Get(name string) (Scene, error) {
	s, err := readScene(f.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return Scene{}, fmt.Errorf("%q: %w", name, ErrSceneNotFound)
	}
	if err != nil {
		return Scene{}, err
	}
	// two names can sanitize to the same file
	if s.Name != name {
		return Scene{}, fmt.Errorf("%q: %w", name, ErrSceneNotFound)
	}
	return s, nil
}

// Put writes through a temp file and rename so a crash never leaves a
// half written scene.
func (f *FileStore) Put(s Scene) error {
	path := f.path(s.Name)
	if old, err := readScene(path); err == nil && old.Name != s.Name {
		return fmt.Errorf("%q collides with stored scene %q: %w", s.Name, old.Name, ErrInvalidScene)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".scene-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (f *FileStore) Delete(name string) error {
	if _, err := f.Get(name); err != nil {
		return err
	}
	return os.Remove(f.path(name))
}

func readScene(path string) (Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scene{}, err
	}
	var s Scene
	if err := json.Unmarshal(data, &s); err != nil {
		return Scene{}, fmt.Errorf("%s: %w: %w", filepath.Base(path), ErrInvalidScene, err)
	}
	return s, nil
}

// sanitizeFilename replaces characters that are problematic in filenames
func sanitizeFilename(name string) string {
	r := strings.NewReplacer(
		" ", "-", "/", "-", "\\", "-", ":", "-",
		"*", "", "?", "", "\"", "", "<", "", ">", "", "|", "",
	)
	name = r.Replace(name)
	if name == "" || name == "." || name == ".." {
		name = "_" + name
	}
	return name
}
