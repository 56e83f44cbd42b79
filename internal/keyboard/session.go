package keyboard

import (
	"time"

	"github.com/google/uuid"
)

// minWPMWindow keeps the first few keystrokes of a session from reporting
// absurd speeds.
const minWPMWindow = 10 * time.Second

// charsPerWord is the conventional word length used for WPM
const charsPerWord = 5.0

// Session is one typing session
type Session struct {
	ID                string    `json:"id"`
	TotalKeystrokes   int       `json:"total_keystrokes"`
	StartTime         time.Time `json:"start_time"`
	LastKeystrokeTime time.Time `json:"last_keystroke_time"`
	WPM               float64   `json:"wpm"`
	IsActive          bool      `json:"is_active"`
}

// Snapshot is the part of a session that survives a listener restart
type Snapshot struct {
	TotalKeystrokes   int       `json:"total_keystrokes"`
	StartTime         time.Time `json:"start_time"`
	LastKeystrokeTime time.Time `json:"last_keystroke_time"`
}

// TypingStats is the typing half of the combined stats payload
type TypingStats struct {
	SessionID       string    `json:"session_id"`
	WPM             float64   `json:"wpm"`
	TotalKeystrokes int       `json:"total_keystrokes"`
	IsActive        bool      `json:"is_active"`
	SessionStart    time.Time `json:"session_start"`
	LastKeystroke   time.Time `json:"last_keystroke"`
}

// NewSession starts an empty session
func NewSession() *Session {
	return &Session{ID: uuid.NewString()}
}

// Record counts n keystrokes at now
func (s *Session) Record(now time.Time, n int) {
	if n <= 0 {
		return
	}
	if s.StartTime.IsZero() {
		s.StartTime = now
	}
	s.TotalKeystrokes += n
	s.LastKeystrokeTime = now
	s.IsActive = true
	s.recompute()
}

// Refresh updates the active flag for the idle timeout and reports whether
// it changed.
func (s *Session) Refresh(now time.Time, idle time.Duration) bool {
	active := !s.LastKeystrokeTime.IsZero() && now.Sub(s.LastKeystrokeTime) < idle
	changed := active != s.IsActive
	s.IsActive = active
	return changed
}

// Snapshot copies the counters preserved across restarts
func (s Session) Snapshot() Snapshot {
	return Snapshot{
		TotalKeystrokes:   s.TotalKeystrokes,
		StartTime:         s.StartTime,
		LastKeystrokeTime: s.LastKeystrokeTime,
	}
}

// Restore splices a snapshot taken before a restart into this session.
// Keystrokes recorded since the restart are kept on top of the snapshot.
func (s *Session) Restore(snap Snapshot) {
	s.TotalKeystrokes += snap.TotalKeystrokes
	if !snap.StartTime.IsZero() && (s.StartTime.IsZero() || snap.StartTime.Before(s.StartTime)) {
		s.StartTime = snap.StartTime
	}
	if snap.LastKeystrokeTime.After(s.LastKeystrokeTime) {
		s.LastKeystrokeTime = snap.LastKeystrokeTime
	}
	s.recompute()
}

func (s *Session) recompute() {
	if s.StartTime.IsZero() || s.TotalKeystrokes == 0 {
		s.WPM = 0
		return
	}
	window := s.LastKeystrokeTime.Sub(s.StartTime)
	if window < minWPMWindow {
		window = minWPMWindow
	}
	s.WPM = (float64(s.TotalKeystrokes) / charsPerWord) / window.Minutes()
}

// Stats returns the session as a stats payload
func (s *Session) Stats() TypingStats {
	return TypingStats{
		SessionID:       s.ID,
		WPM:             s.WPM,
		TotalKeystrokes: s.TotalKeystrokes,
		IsActive:        s.IsActive,
		SessionStart:    s.StartTime,
		LastKeystroke:   s.LastKeystrokeTime,
	}
}
