package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-conductor/link"
	"go-conductor/midi"
	"go-conductor/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tempo: 96
sync:
  interval: 10ms
  quantum: 3
clock:
  active_sensing: 0s
midi:
  outputs:
    - name: din
      device: serial:/dev/ttyAMA0
    - name: synth
      device: midi:Synth
router:
  filters:
    - type: channel
      channels: [1]
  transforms:
    - type: transpose
      semitones: 12
  outputs: [synth]
scenes:
  overwrite: replace
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 96.0, c.Tempo)
	assert.Equal(t, 10*time.Millisecond, c.Sync.Interval)
	assert.Equal(t, 3, c.Sync.Quantum)
	assert.Equal(t, link.DefaultGroup, c.Sync.Group, "unset keys keep defaults")
	assert.Equal(t, time.Duration(0), c.Clock.ActiveSensing)
	assert.True(t, c.Clock.QuantizedStart)
	assert.Equal(t, []string{"din", "synth"}, c.OutputNames())
	assert.Equal(t, midi.SerialOpener{Port: "/dev/ttyAMA0", Baud: midi.DINBaud}, c.MIDI.Outputs[0].Opener())
	assert.Equal(t, []int{1}, c.Router.Filters[0].Channels)
	assert.Equal(t, "replace", c.Scenes.Overwrite)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_BPM", "140")
	t.Setenv("CONDUCTOR_LISTEN", "127.0.0.1:9000")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "debug")
	t.Setenv("CONDUCTOR_OUTPUTS", "din=serial:/dev/ttyS0, midi:USB")
	t.Setenv("CONDUCTOR_SYNC", "false")

	c, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 140.0, c.Tempo)
	assert.Equal(t, "127.0.0.1:9000", c.API.Listen)
	assert.Equal(t, "debug", c.Log.Level)
	assert.False(t, c.Sync.Enabled)
	assert.Equal(t, []OutputConfig{
		{Name: "din", Device: "serial:/dev/ttyS0"},
		{Name: "out2", Device: "midi:USB"},
	}, c.MIDI.Outputs)
}

func TestDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("CONDUCTOR_BPM=77\n"), 0644))

	// t.Setenv registers cleanup, then unset so godotenv can fill it
	t.Setenv("CONDUCTOR_BPM", "")
	require.NoError(t, os.Unsetenv("CONDUCTOR_BPM"))
	require.NoError(t, LoadDotEnv(env, filepath.Join(dir, "missing.env")))

	c, err := Load(filepath.Join(dir, "none.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 77.0, c.Tempo)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(c *Config)
	}{
		{"tempo", func(c *Config) { c.Tempo = 500 }},
		{"quantum", func(c *Config) { c.Sync.Quantum = 0 }},
		{"interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"lookahead", func(c *Config) { c.Clock.Lookahead = 0 }},
		{"duplicate output", func(c *Config) {
			c.MIDI.Outputs = append(c.MIDI.Outputs, OutputConfig{Name: "midi", Device: "midi:x"})
		}},
		{"output device", func(c *Config) { c.MIDI.Outputs[0].Device = "" }},
		{"route", func(c *Config) { c.Router = router.Config{Filters: []router.FilterSpec{{Type: "bogus"}}} }},
		{"route output", func(c *Config) { c.Router = router.Passthrough("elsewhere") }},
		{"overwrite", func(c *Config) { c.Scenes.Overwrite = "merge" }},
		{"slots", func(c *Config) { c.Control.Slots = []string{"a", "b", "c", "d"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.edit(c)
			assert.Error(t, c.Validate())
		})
	}

	c := Default()
	c.Tempo = 10
	assert.ErrorIs(t, c.Validate(), link.ErrInvalidTempo)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	c := Default()
	c.Tempo = 101.5
	c.Router = router.Passthrough("midi")
	c.Control.Slots = []string{"Song 1", "Song 2"}
	require.NoError(t, Save(path, c))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}
