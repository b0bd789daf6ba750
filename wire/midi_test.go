package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte{0x91, 60, 100})
	require.NoError(t, err)
	assert.Equal(t, KindNoteOn, ev.Kind())
	assert.Equal(t, 1, ev.Channel())
	assert.Equal(t, uint8(60), ev.Note())
	assert.Equal(t, uint8(100), ev.Velocity())
	assert.True(t, ev.IsNote())
	assert.Equal(t, []byte{0x91, 60, 100}, ev.Bytes())

	pc, err := ParseEvent([]byte{0xC3, 7})
	require.NoError(t, err)
	assert.Equal(t, KindProgramChange, pc.Kind())
	assert.Equal(t, []byte{0xC3, 7}, pc.Bytes())

	clk, err := ParseEvent([]byte{Clock})
	require.NoError(t, err)
	assert.True(t, clk.IsRealtime())
	assert.Equal(t, KindSystem, clk.Kind())
	assert.Equal(t, -1, clk.Channel())
}

func TestParseEventInvalid(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{0x3C},
		{0x90, 60},
		{0x90, 60, 0x80},
		{0xC0},
	} {
		_, err := ParseEvent(b)
		assert.ErrorIs(t, err, ErrInvalidEvent, "% x", b)
	}
}

func TestEventWithChannel(t *testing.T) {
	ev := NoteOn(0, 60, 90).WithChannel(9)
	assert.Equal(t, byte(0x99), ev.Status)
	assert.Equal(t, Event{Status: Stop}, Event{Status: Stop}.WithChannel(3))
}

func TestMessageInterop(t *testing.T) {
	ev := NoteOn(2, 64, 80)
	var ch, key, vel uint8
	require.True(t, ev.Message().GetNoteOn(&ch, &key, &vel))
	assert.Equal(t, uint8(2), ch)
	assert.Equal(t, uint8(64), key)
	assert.Equal(t, uint8(80), vel)

	back, err := FromMessage(ev.Message())
	require.NoError(t, err)
	assert.Equal(t, ev, back)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("note_on")
	require.NoError(t, err)
	assert.Equal(t, KindNoteOn, k)
	k, err = ParseKind("CC")
	require.NoError(t, err)
	assert.Equal(t, KindControlChange, k)
	_, err = ParseKind("sysex_dump")
	assert.Error(t, err)
}
