package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	assert.Equal(t, 1000, d.Engine.QueueCapacity)
	assert.Equal(t, 5*time.Second, d.Engine.DedupTTL)
	assert.Equal(t, "log", d.Notify.Transport)
	assert.Equal(t, 15*time.Second, d.Notify.DrainInterval)
	assert.Zero(t, d.Recovery.StuckThreshold, "per-workflow thresholds apply by default")
	assert.False(t, d.Tracing.Enabled)
	assert.Equal(t, "file", d.Tracing.Exporter)
	assert.Equal(t, 1.0, d.Tracing.SampleRate)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadPartialFileInheritsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  queue_capacity: 64
  dedup_ttl: 250ms
notify:
  transport: nats
tracing:
  enabled: true
  exporter: otlp
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Engine.QueueCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.DedupTTL)
	assert.Equal(t, "nats", cfg.Notify.Transport)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)

	// Untouched sections keep their defaults.
	d := Defaults()
	assert.Equal(t, d.Database.Path, cfg.Database.Path)
	assert.Equal(t, d.Notify.NATSURL, cfg.Notify.NATSURL)
	assert.Equal(t, d.Tracing.SampleRate, cfg.Tracing.SampleRate)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [not a map"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "dispatch.yaml")

	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg, "the written file round-trips to the defaults")

	err = WriteDefaultConfig(path)
	require.Error(t, err, "existing files are never overwritten")
	assert.Contains(t, err.Error(), "already exists")
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("notify:\n  transport: log\n"), 0600))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	reloads, err := w.Start()
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("notify:\n  transport: nats\n"), 0600))

	select {
	case cfg := <-reloads:
		assert.Equal(t, "nats", cfg.Notify.Transport)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("notify:\n  transport: log\n"), 0600))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	reloads, err := w.Start()
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0600))

	select {
	case <-reloads:
		t.Fatal("unrelated file must not trigger a reload")
	case <-time.After(100 * time.Millisecond):
	}
}
