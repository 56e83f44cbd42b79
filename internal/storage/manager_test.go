package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"statdeck/internal/config"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, dir
}

func TestManager_LastPort(t *testing.T) {
	m, _ := newTestManager(t)

	port, err := m.LastPort()
	require.NoError(t, err)
	assert.Empty(t, port)

	require.NoError(t, m.SaveLastPort("/dev/ttyUSB0"))
	require.NoError(t, m.SaveLastPort("/dev/ttyACM0"))

	port, err = m.LastPort()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", port)
}

func TestManager_LastPortSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, m.SaveLastPort("COM3"))
	require.NoError(t, m.Close())

	m, err = NewManager(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer m.Close()

	port, err := m.LastPort()
	require.NoError(t, err)
	assert.Equal(t, "COM3", port)
}

func TestManager_DisplaySettings(t *testing.T) {
	m, _ := newTestManager(t)

	_, ok, err := m.DisplaySettings()
	require.NoError(t, err)
	assert.False(t, ok)

	want := config.DisplaySettings{Brightness: 40, Theme: "light", Orientation: 2, TimeFormat: "12h"}
	require.NoError(t, m.SaveDisplaySettings(want))

	got, ok, err := m.DisplaySettings()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}

func TestManager_TypingTotalsAccumulate(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.AddTypingTotals(42, 55.5))
	require.NoError(t, m.AddTypingTotals(8, 30))

	totals, err := m.TypingTotals()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), totals.TotalKeystrokes)
	assert.Equal(t, uint64(2), totals.Sessions)
	assert.Equal(t, 55.5, totals.BestWPM)
}

func TestManager_SchemaAndBackup(t *testing.T) {
	m, _ := newTestManager(t)

	version, err := m.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), version)

	require.NoError(t, m.SaveLastPort("/dev/ttyUSB1"))
	backupDir := t.TempDir()
	require.NoError(t, m.Backup(filepath.Join(backupDir, DatabaseFile)))

	restored, err := NewManager(backupDir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer restored.Close()

	port, err := restored.LastPort()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", port)
}

func TestManager_ClosedReturnsError(t *testing.T) {
	m, err := NewManager(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Error(t, m.SaveLastPort("x"))
	_, err = m.LastPort()
	assert.Error(t, err)
}
