package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-conductor/clock"
	"go-conductor/conductor"
	"go-conductor/debug"
	"go-conductor/link"
	"go-conductor/midi"
	"go-conductor/router"
	"go-conductor/wire"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SyncConfig configures the network tempo sync.
type SyncConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Group           string        `yaml:"group"`
	Interface       string        `yaml:"interface,omitempty"`
	Interval        time.Duration `yaml:"interval"`
	TimeoutMultiple int           `yaml:"timeout_multiple"`
	GlideRate       float64       `yaml:"glide_rate"`
	Quantum         int           `yaml:"quantum"`
	SnapTolerance   float64       `yaml:"snap_tolerance"`
}

// ClockConfig configures MIDI clock generation.
type ClockConfig struct {
	Lookahead      int           `yaml:"lookahead"`
	SpinLead       time.Duration `yaml:"spin_lead"`
	ActiveSensing  time.Duration `yaml:"active_sensing"`
	QuantizedStart bool          `yaml:"quantized_start"`
}

// OutputConfig names a destination. Device is "serial:/dev/ttyAMA0" for
// a DIN port or "midi:<name substring>" for a MIDI port; an empty name
// substring takes the first port.
type OutputConfig struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud,omitempty"`
}

// MIDIConfig configures ports.
type MIDIConfig struct {
	Outputs      []OutputConfig `yaml:"outputs"`
	Inputs       []string       `yaml:"inputs,omitempty"`
	ScanInterval time.Duration  `yaml:"scan_interval"`
	ScanTimeout  time.Duration  `yaml:"scan_timeout"`
}

// ScenesConfig configures scene storage.
type ScenesConfig struct {
	Dir       string `yaml:"dir,omitempty"`
	Overwrite string `yaml:"overwrite"`
}

// ControlConfig configures buttons.
type ControlConfig struct {
	BPMStep  float64       `yaml:"bpm_step"`
	Debounce time.Duration `yaml:"debounce"`
	Slots    []string      `yaml:"slots,omitempty"`
}

// APIConfig configures the HTTP command surface.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the main configuration structure
type Config struct {
	Tempo   float64       `yaml:"tempo"`
	Sync    SyncConfig    `yaml:"sync"`
	Clock   ClockConfig   `yaml:"clock"`
	MIDI    MIDIConfig    `yaml:"midi"`
	Router  router.Config `yaml:"router"`
	Scenes  ScenesConfig  `yaml:"scenes"`
	Control ControlConfig `yaml:"control"`
	API     APIConfig     `yaml:"api"`
	Log     debug.Config  `yaml:"log"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Tempo: 120,
		Sync: SyncConfig{
			Enabled:         true,
			Group:           link.DefaultGroup,
			Interval:        link.DefaultInterval,
			TimeoutMultiple: link.DefaultTimeoutMultiple,
			GlideRate:       link.DefaultGlideRate,
			Quantum:         link.DefaultQuantum,
			SnapTolerance:   link.DefaultSnapTolerance,
		},
		Clock: ClockConfig{
			Lookahead:      clock.DefaultLookahead,
			SpinLead:       clock.DefaultSpinLead,
			ActiveSensing:  clock.DefaultActiveSensing,
			QuantizedStart: true,
		},
		MIDI: MIDIConfig{
			Outputs:      []OutputConfig{{Name: "midi", Device: "midi:"}},
			ScanInterval: time.Second,
			ScanTimeout:  3 * time.Second,
		},
		Scenes: ScenesConfig{Overwrite: "reject"},
		Control: ControlConfig{
			BPMStep:  1,
			Debounce: 50 * time.Millisecond,
		},
		API: APIConfig{Enabled: true, Listen: ":8080"},
		Log: debug.Config{Level: "info", Format: "console"},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "go-conductor"), nil
}

// DefaultPath returns the full path to config.yaml
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// LoadDotEnv loads KEY=value pairs from files into the environment.
// Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path over the defaults, applies CONDUCTOR_* environment
// overrides and validates. A missing file means defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes c as YAML, creating the directory if needed.
func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !wire.ValidTempo(c.Tempo) {
		errs = append(errs, fmt.Errorf("tempo %v: %w", c.Tempo, link.ErrInvalidTempo))
	}
	if c.Sync.Quantum < 1 {
		errs = append(errs, fmt.Errorf("sync.quantum must be at least 1"))
	}
	if c.Sync.Interval <= 0 || c.Sync.TimeoutMultiple < 1 {
		errs = append(errs, fmt.Errorf("sync.interval and sync.timeout_multiple must be positive"))
	}
	if c.Sync.GlideRate <= 0 || c.Sync.SnapTolerance <= 0 {
		errs = append(errs, fmt.Errorf("sync.glide_rate and sync.snap_tolerance must be positive"))
	}
	if c.Clock.Lookahead < 1 {
		errs = append(errs, fmt.Errorf("clock.lookahead must be at least 1"))
	}
	if c.Clock.SpinLead < 0 || c.Clock.ActiveSensing < 0 {
		errs = append(errs, fmt.Errorf("clock durations must not be negative"))
	}
	if c.MIDI.ScanInterval <= 0 || c.MIDI.ScanTimeout <= 0 {
		errs = append(errs, fmt.Errorf("midi.scan_interval and midi.scan_timeout must be positive"))
	}

	names := make(map[string]bool)
	for i, o := range c.MIDI.Outputs {
		switch {
		case o.Name == "":
			errs = append(errs, fmt.Errorf("midi.outputs[%d]: name required", i))
		case names[o.Name]:
			errs = append(errs, fmt.Errorf("midi.outputs[%d]: duplicate name %q", i, o.Name))
		case o.Device == "":
			errs = append(errs, fmt.Errorf("midi.outputs[%d]: device required", i))
		}
		names[o.Name] = true
	}

	if _, err := router.Compile(c.Router); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	for _, name := range c.Router.Outputs {
		if !names[name] {
			errs = append(errs, fmt.Errorf("router: unknown output %q", name))
		}
	}
	if _, err := conductor.ParseOverwrite(c.Scenes.Overwrite); err != nil {
		errs = append(errs, fmt.Errorf("scenes: %w", err))
	}
	if c.Control.BPMStep <= 0 {
		errs = append(errs, fmt.Errorf("control.bpm_step must be positive"))
	}
	if len(c.Control.Slots) > 3 {
		errs = append(errs, fmt.Errorf("control.slots has %d entries, at most 3", len(c.Control.Slots)))
	}
	return errors.Join(errs...)
}

// OutputNames lists configured output names in order.
func (c *Config) OutputNames() []string {
	out := make([]string, len(c.MIDI.Outputs))
	for i, o := range c.MIDI.Outputs {
		out[i] = o.Name
	}
	return out
}

// Opener builds the opener for an output.
func (o OutputConfig) Opener() midi.Opener {
	baud := o.Baud
	if baud == 0 {
		baud = midi.DINBaud
	}
	return midi.OpenerFor(o.Device, baud)
}

// ---- env ----

const envPrefix = "CONDUCTOR_"

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func getEnvFloat(key string) (float64, bool) {
	if s, ok := getEnvStr(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides lets CONDUCTOR_* variables win over the file.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvFloat("BPM"); ok {
		c.Tempo = v
	}
	if v, ok := getEnvBool("SYNC"); ok {
		c.Sync.Enabled = v
	}
	if v, ok := getEnvStr("GROUP"); ok {
		c.Sync.Group = v
	}
	if v, ok := getEnvStr("INTERFACE"); ok {
		c.Sync.Interface = v
	}
	if v, ok := getEnvStr("LISTEN"); ok {
		c.API.Listen = v
	}
	if v, ok := getEnvBool("API"); ok {
		c.API.Enabled = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("LOG_FILE"); ok {
		c.Log.File = v
	}
	if v, ok := getEnvStr("SCENES_DIR"); ok {
		c.Scenes.Dir = v
	}
	// name=device pairs, or bare devices named by position
	if v, ok := getEnvCSV("OUTPUTS"); ok {
		outs := make([]OutputConfig, 0, len(v))
		for i, item := range v {
			name, device, found := strings.Cut(item, "=")
			if !found {
				name, device = fmt.Sprintf("out%d", i+1), item
			}
			outs = append(outs, OutputConfig{Name: name, Device: device})
		}
		c.MIDI.Outputs = outs
	}
}
