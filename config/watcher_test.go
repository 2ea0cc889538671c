package config

import (
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daddr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: 10.0.0.1\n"), 0o644))

	var latest atomic.Pointer[Config]
	w := NewWatcher(path, quietLogger(), func(cfg *Config) error {
		latest.Store(cfg)
		return nil
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.Error(t, w.Start(), "second Start must fail")

	require.NoError(t, os.WriteFile(path, []byte("target: 10.0.0.2\n"), 0o644))

	require.Eventually(t, func() bool {
		cfg := latest.Load()
		return cfg != nil && cfg.Target.String() == "10.0.0.2"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daddr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: 10.0.0.1\n"), 0o644))

	var calls atomic.Int32
	w := NewWatcher(path, quietLogger(), func(*Config) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("mode: direct\n"), 0o644))
	// A sibling file must not trigger a reload either.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWatcherForceReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daddr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: codepoint\ntable:\n  4: 10.0.0.4\n"), 0o644))

	var got *Config
	w := NewWatcher(path, quietLogger(), func(cfg *Config) error {
		got = cfg
		return nil
	})
	require.NoError(t, w.ForceReload())
	require.NotNil(t, got)
	assert.Len(t, got.Table, 1)

	require.NoError(t, os.WriteFile(path, []byte("mode: bogus\n"), 0o644))
	assert.Error(t, w.ForceReload())
}

func TestWatcherStartMissingFile(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), quietLogger(), nil)
	assert.Error(t, w.Start())
	w.Stop()
}
