package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu       sync.Mutex
	logger   = zap.NewNop()
	counters = make(map[string]int)
)

// Config selects encoder, level and sink.
type Config struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string `yaml:"level"`
	// Format is "console" or "json". Default console.
	Format string `yaml:"format"`
	// File redirects output to a file. Needed when the TUI owns the terminal.
	File string `yaml:"file"`
}

// Setup builds the process logger and installs it for L().
func Setup(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if strings.ToLower(cfg.Format) == "json" {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
		if cfg.File == "" {
			zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, err
		}
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
	}

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	mu.Lock()
	logger = l
	mu.Unlock()
	return l, nil
}

// L returns the process logger. It is a no-op logger until Setup is called.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

// Log writes a debug line under a category.
func Log(category, format string, args ...any) {
	L().Debug(fmt.Sprintf(format, args...), zap.String("category", category))
}

// LogEvery logs only every N calls (use for high-frequency events)
func LogEvery(n int, category, format string, args ...any) {
	mu.Lock()
	key := category + format
	counters[key]++
	count := counters[key]
	mu.Unlock()

	if count%n == 0 {
		Log(category, format+" (every %d, count=%d)", append(args, n, count)...)
	}
}

// ParseLevel converts a level name. Unknown names map to info.
func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// DefaultLogPath is ~/.config/go-conductor/debug.log
func DefaultLogPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "go-conductor", "debug.log")
}

// Limiter lets one event through per interval. Safe for concurrent use
// and lock-free, so hot paths can call it.
type Limiter struct {
	interval time.Duration
	last     atomic.Int64
	dropped  atomic.Int64
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval}
}

// Allow reports whether an event at now should be logged, and how many
// were suppressed since the last one.
func (l *Limiter) Allow(now time.Time) (bool, int64) {
	n := now.UnixNano()
	last := l.last.Load()
	if last != 0 && n-last < int64(l.interval) {
		l.dropped.Add(1)
		return false, 0
	}
	if !l.last.CompareAndSwap(last, n) {
		l.dropped.Add(1)
		return false, 0
	}
	return true, l.dropped.Swap(0)
}
