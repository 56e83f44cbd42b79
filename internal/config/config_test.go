package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefault_MatchesRecoveryConstants(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1000*time.Millisecond, cfg.Recovery.Device.BaseDelay)
	assert.Equal(t, 30000*time.Millisecond, cfg.Recovery.Device.MaxDelay)
	assert.Equal(t, 10, cfg.Recovery.Device.Limit)
	assert.Equal(t, 2000*time.Millisecond, cfg.Recovery.Keyboard.BaseDelay)
	assert.Equal(t, 60000*time.Millisecond, cfg.Recovery.Keyboard.MaxDelay)
	assert.Equal(t, 5, cfg.Recovery.Keyboard.Limit)
	assert.Equal(t, time.Second, cfg.Cadence.Stats)
	assert.Equal(t, time.Minute, cfg.Cadence.TimeUpdate)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero device limit", func(c *Config) { c.Recovery.Device.Limit = 0 }, true},
		{"max below base", func(c *Config) { c.Recovery.Keyboard.MaxDelay = time.Millisecond }, true},
		{"sample too fast", func(c *Config) { c.Cadence.SystemSample = 50 * time.Millisecond }, true},
		{"sample too slow", func(c *Config) { c.Cadence.SystemSample = 11 * time.Second }, true},
		{"brightness out of range", func(c *Config) { c.Display.Brightness = 101 }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSampleInterval_Bounds(t *testing.T) {
	assert.NoError(t, ValidateSampleInterval(100*time.Millisecond))
	assert.NoError(t, ValidateSampleInterval(10*time.Second))
	assert.Error(t, ValidateSampleInterval(99*time.Millisecond))
	assert.Error(t, ValidateSampleInterval(10*time.Second+time.Millisecond))
}

func writeYAML(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_ExplicitFileOverridesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	path := writeYAML(t, dir, `
data-dir: `+dir+`
recovery:
  device:
    base-delay: 500ms
    limit: 3
serial:
  port: /dev/ttyUSB0
`)

	v := viper.New()
	v.Set("config", path)

	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 500*time.Millisecond, cfg.Recovery.Device.BaseDelay)
	assert.Equal(t, 3, cfg.Recovery.Device.Limit)
	assert.Equal(t, ResumeRetryMaxDelay, cfg.Recovery.Device.MaxDelay, "unset keys keep defaults")
	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	v := viper.New()
	v.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadConfig(v)
	assert.Error(t, err)
}

func TestLoadConfig_RejectsInvalid(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := writeYAML(t, t.TempDir(), "recovery:\n  keyboard:\n    limit: 0\n")

	v := viper.New()
	v.Set("config", path)

	_, err := LoadConfig(v)
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "cadence:\n  system-sample: 2s\n")

	current, err := LoadFile(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, current, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	var applied atomic.Int64
	require.NoError(t, w.Start(func(cfg *Config) error {
		applied.Store(int64(cfg.Cadence.SystemSample))
		return nil
	}))

	require.NoError(t, os.WriteFile(path, []byte("cadence:\n  system-sample: 500ms\n"), 0644))

	require.Eventually(t, func() bool {
		return time.Duration(applied.Load()) == 500*time.Millisecond
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, w.Config().Cadence.SystemSample)
}

func TestWatcher_InvalidReloadKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, "cadence:\n  system-sample: 2s\n")

	current, err := LoadFile(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, current, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	var calls atomic.Int32
	require.NoError(t, w.Start(func(*Config) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, os.WriteFile(path, []byte("cadence:\n  system-sample: 5ms\n"), 0644))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load(), "invalid config must not reach the callback")
	assert.Equal(t, 2*time.Second, w.Config().Cadence.SystemSample)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := writeYAML(t, t.TempDir(), "")
	w, err := NewWatcher(path, Default(), zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
