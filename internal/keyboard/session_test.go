package keyboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_RecordAndWPM(t *testing.T) {
	s := NewSession()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	s.Record(start, 1)
	assert.Equal(t, start, s.StartTime)

	// 300 keystrokes over one minute = 60 WPM
	s.Record(start.Add(time.Minute), 299)
	assert.Equal(t, 300, s.TotalKeystrokes)
	assert.InDelta(t, 60.0, s.WPM, 0.001)
	assert.True(t, s.IsActive)
}

func TestSession_WPMWindowFloor(t *testing.T) {
	s := NewSession()
	now := time.Now()
	s.Record(now, 5)
	s.Record(now.Add(100*time.Millisecond), 5)

	// 10 keys = 2 words over the 10s floor = 12 WPM
	assert.InDelta(t, 12.0, s.WPM, 0.001)
}

func TestSession_Refresh(t *testing.T) {
	s := NewSession()
	now := time.Now()

	assert.False(t, s.Refresh(now, time.Second), "empty session stays inactive")

	s.Record(now, 1)
	assert.False(t, s.Refresh(now.Add(500*time.Millisecond), time.Second))
	assert.True(t, s.Refresh(now.Add(2*time.Second), time.Second))
	assert.False(t, s.IsActive)
}

func TestSession_RestoreKeepsKeysTypedSinceRestart(t *testing.T) {
	old := NewSession()
	t0 := time.Now().Add(-time.Hour)
	old.Record(t0, 42)
	snap := old.Snapshot()

	fresh := NewSession()
	fresh.Record(time.Now(), 3)
	fresh.Restore(snap)

	assert.Equal(t, 45, fresh.TotalKeystrokes)
	assert.True(t, fresh.StartTime.Equal(t0))
}
