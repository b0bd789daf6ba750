package conductor

import (
	"os"
	"path/filepath"
	"testing"

	"go-conductor/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(filepath.Join(dir, "scenes"))
	require.NoError(t, err)

	scene := Scene{
		Name:  "Song 1: intro",
		BPM:   128,
		Notes: "count in",
		Route: router.Config{
			Transforms: []router.TransformSpec{{Type: router.TransformChannelMap, Map: map[int]int{1: 10}}},
			Outputs:    []string{"drums"},
		},
		Created: t0,
		Updated: t0,
	}
	require.NoError(t, fs.Put(scene))
	assert.FileExists(t, filepath.Join(fs.Dir(), "Song-1--intro.json"))

	got, err := fs.Get("Song 1: intro")
	require.NoError(t, err)
	assert.Equal(t, scene, got)

	_, err = fs.Get("Song 2")
	assert.ErrorIs(t, err, ErrSceneNotFound)

	require.NoError(t, fs.Put(Scene{Name: "B", BPM: 90}))
	list, err := fs.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].Name)
	assert.Equal(t, "Song 1: intro", list[1].Name)

	require.NoError(t, fs.Delete("B"))
	assert.ErrorIs(t, fs.Delete("B"), ErrSceneNotFound)
}

func TestFileStoreCollision(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.Put(Scene{Name: "a/b", BPM: 100}))
	assert.ErrorIs(t, fs.Put(Scene{Name: "a-b", BPM: 100}), ErrInvalidScene)
	_, err = fs.Get("a-b")
	assert.ErrorIs(t, err, ErrSceneNotFound)
}

func TestFileStoreSkipsBrokenFiles(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Put(Scene{Name: "ok", BPM: 100}))
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "broken.json"), []byte("{"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "README"), []byte("hi"), 0644))

	list, err := fs.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok", list[0].Name)
}

func TestFileStoreWithController(t *testing.T) {
	r := newRig(t)
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := New(r.engine, r.router, fs, r.cell, WithClock(r.clk.Now))

	require.NoError(t, c.SaveScene("A", 128, "note"))
	assert.ErrorIs(t, c.SaveScene("A", 100, ""), ErrDuplicateScene)
	require.NoError(t, c.LoadScene("A"))
	assert.Equal(t, 128.0, c.Status().BPM)
}

func TestFileStoreUndecodableScene(t *testing.T) {
	r := newRig(t)
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	c := New(r.engine, r.router, fs, r.cell, WithClock(r.clk.Now))
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "A.json"), []byte(`{"name":"A","bpm":`), 0644))

	_, err = fs.Get("A")
	assert.ErrorIs(t, err, ErrInvalidScene)

	route := r.router.Config()
	err = c.LoadScene("A")
	require.ErrorIs(t, err, ErrInvalidScene)
	assert.NotErrorIs(t, err, ErrSceneNotFound)
	assert.Equal(t, 120.0, c.Status().Target)
	assert.Equal(t, route, r.router.Config())
	assert.False(t, c.Playing())
	assert.Equal(t, "", c.CurrentScene())

	assert.ErrorIs(t, c.SaveScene("A", 100, ""), ErrInvalidScene, "not overwritten without confirmation")
	require.NoError(t, c.ReplaceScene("A", 100, ""))
	require.NoError(t, c.LoadScene("A"))
	assert.Equal(t, 100.0, c.Status().Target)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "my-song", sanitizeFilename("my song"))
	assert.Equal(t, "a-b-c", sanitizeFilename("a/b\\c"))
	assert.Equal(t, "what", sanitizeFilename("what?"))
	assert.Equal(t, "_..", sanitizeFilename(".."))
}
