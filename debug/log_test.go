package debug

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLimiter(t *testing.T) {
	l := NewLimiter(time.Second)
	t0 := time.Unix(100, 0)

	ok, _ := l.Allow(t0)
	require.True(t, ok)
	ok, _ = l.Allow(t0.Add(100 * time.Millisecond))
	require.False(t, ok)
	ok, _ = l.Allow(t0.Add(500 * time.Millisecond))
	require.False(t, ok)

	ok, suppressed := l.Allow(t0.Add(1100 * time.Millisecond))
	require.True(t, ok)
	require.Equal(t, int64(2), suppressed)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestSetupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "debug.log")
	l, err := Setup(Config{Level: "debug", File: path})
	require.NoError(t, err)
	defer Set(nil)

	Log("test", "hello %d", 1)
	require.NoError(t, l.Sync())
	assert.FileExists(t, path)
}
