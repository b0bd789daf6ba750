package midi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenerFor(t *testing.T) {
	assert.Equal(t, SerialOpener{Port: "/dev/ttyAMA0", Baud: DINBaud}, OpenerFor("serial:/dev/ttyAMA0", DINBaud))
	assert.Equal(t, PortOpener{Match: "USB MIDI"}, OpenerFor("USB MIDI", 0))
	assert.Equal(t, PortOpener{Match: "Synth"}, OpenerFor("midi:Synth", 0))
}

func TestWantInput(t *testing.T) {
	assert.True(t, wantInput("Keystep 32:Keystep MIDI 1", []string{"keystep"}))
	assert.True(t, wantInput("anything", []string{"*"}))
	assert.False(t, wantInput("Keystep", nil))
	assert.False(t, wantInput("Keystep", []string{""}))
}

func TestLaunchpadMapping(t *testing.T) {
	for row := 0; row < 8; row++ {
		for col := 0; col < 9; col++ {
			r, c := noteToRowCol(rowColToNote(row, col))
			assert.Equal(t, row, r)
			assert.Equal(t, col, c)
		}
	}
	r, c := ccToRowCol(95)
	assert.Equal(t, 8, r)
	assert.Equal(t, 4, c)
	r, _ = noteToRowCol(5)
	assert.Equal(t, -1, r)
	assert.True(t, isLaunchpad("Launchpad X LPX MIDI"))
	assert.False(t, isLaunchpad("Launchpad X LPX DAW"))
}
