package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-conductor/conductor"
	"go-conductor/link"
)

func writeConfig(t *testing.T, scenes string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tempo: 100
midi:
  outputs:
    - name: din
      device: serial:/dev/null
    - name: synth
      device: midi:Synth
scenes:
  dir: `+scenes+`
`), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTempoValidate(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	out, err := execute(t, "--config", cfg, "tempo", "validate", "125")
	require.NoError(t, err)
	assert.Contains(t, out, "125 bpm ok (20.000 ms per clock pulse)")

	_, err = execute(t, "--config", cfg, "tempo", "validate", "301")
	assert.ErrorIs(t, err, link.ErrInvalidTempo)

	_, err = execute(t, "--config", cfg, "tempo", "validate", "fast")
	assert.ErrorIs(t, err, link.ErrInvalidTempo)
}

func TestScenesCommands(t *testing.T) {
	dir := t.TempDir()
	store, err := conductor.NewFileStore(dir)
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 21, 30, 0, 0, time.UTC)
	require.NoError(t, store.Put(conductor.Scene{Name: "Intro", BPM: 92, Notes: "pads only", Created: now, Updated: now}))
	require.NoError(t, store.Put(conductor.Scene{Name: "Drop", BPM: 128, Created: now, Updated: now}))
	cfg := writeConfig(t, dir)

	out, err := execute(t, "--config", cfg, "scenes", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Intro")
	assert.Contains(t, out, "92.0")
	assert.Contains(t, out, "pads only")
	assert.Less(t, bytes.Index([]byte(out), []byte("Drop")), bytes.Index([]byte(out), []byte("Intro")))

	out, err = execute(t, "--config", cfg, "scenes", "show", "Drop")
	require.NoError(t, err)
	assert.Contains(t, out, `"bpm": 128`)

	_, err = execute(t, "--config", cfg, "scenes", "delete", "Drop")
	require.NoError(t, err)
	_, err = execute(t, "--config", cfg, "scenes", "delete", "Drop")
	assert.ErrorIs(t, err, conductor.ErrSceneNotFound)

	out, err = execute(t, "--config", cfg, "scenes", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "Drop")
}

func TestEmptySceneList(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "--config", writeConfig(t, dir), "scenes", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no scenes in "+dir)
}

func TestBadConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tempo: 5000\n"), 0644))
	_, err := execute(t, "--config", path, "tempo", "validate", "120")
	assert.ErrorIs(t, err, link.ErrInvalidTempo)
}

func TestNewAppWiring(t *testing.T) {
	root := &rootOptions{configPath: writeConfig(t, t.TempDir())}
	require.NoError(t, root.load())

	a, err := newApp(root.cfg, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"din", "synth"}, a.router.Config().Outputs, "empty route fans out to every output")
	assert.Len(t, a.outputs, 2)
	assert.Equal(t, 100.0, a.engine.Target())

	ind := a.indicators()
	assert.False(t, ind.Playing)
	assert.False(t, ind.Synced)
	assert.True(t, ind.Fault, "outputs are not open until run")

	a.ctrl.Start()
	assert.True(t, a.indicators().Playing)
	assert.Equal(t, 100.0, a.ctrl.Status().Target)
}
