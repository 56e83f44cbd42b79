package serial

import (
	"encoding/json"
	"time"

	"statdeck/internal/config"
	"statdeck/internal/keyboard"
	"statdeck/internal/sysmon"
)

// Frames are newline-delimited JSON objects. The "t" key names the frame.
const (
	FrameStats   = "stats"
	FrameDisplay = "display"
	FrameTime    = "time"
)

type statsFrame struct {
	Type        string  `json:"t"`
	CPU         float64 `json:"cpu"`
	Mem         float64 `json:"mem"`
	MemUsedMB   uint64  `json:"mem_used_mb"`
	MemTotalMB  uint64  `json:"mem_total_mb"`
	NetRxKBps   float64 `json:"rx_kbps"`
	NetTxKBps   float64 `json:"tx_kbps"`
	WPM         float64 `json:"wpm"`
	Keystrokes  int     `json:"keys"`
	TypingNow   bool    `json:"typing"`
	SessionSecs int64   `json:"session_secs"`
}

type displayFrame struct {
	Type        string `json:"t"`
	Brightness  int    `json:"brightness"`
	Theme       string `json:"theme"`
	Orientation int    `json:"orientation"`
	TimeFormat  string `json:"time_format"`
}

type timeFrame struct {
	Type   string `json:"t"`
	Epoch  int64  `json:"epoch"`
	Offset int    `json:"offset"`
	Zone   string `json:"zone"`
}

const mb = 1024 * 1024

func encodeFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func newStatsFrame(sys sysmon.Stats, typing keyboard.TypingStats, now time.Time) statsFrame {
	f := statsFrame{
		Type:       FrameStats,
		CPU:        round1(sys.CPUPercent),
		Mem:        round1(sys.MemoryPercent),
		MemUsedMB:  sys.MemoryUsedBytes / mb,
		MemTotalMB: sys.MemoryTotalBytes / mb,
		NetRxKBps:  round1(sys.NetRxBytesPerSec / 1024),
		NetTxKBps:  round1(sys.NetTxBytesPerSec / 1024),
		WPM:        round1(typing.WPM),
		Keystrokes: typing.TotalKeystrokes,
		TypingNow:  typing.IsActive,
	}
	if !typing.SessionStart.IsZero() {
		f.SessionSecs = int64(now.Sub(typing.SessionStart) / time.Second)
	}
	return f
}

func newDisplayFrame(s config.DisplaySettings) displayFrame {
	return displayFrame{
		Type:        FrameDisplay,
		Brightness:  s.Brightness,
		Theme:       s.Theme,
		Orientation: s.Orientation,
		TimeFormat:  s.TimeFormat,
	}
}

func newTimeFrame(now time.Time) timeFrame {
	zone, offset := now.Zone()
	return timeFrame{
		Type:   FrameTime,
		Epoch:  now.Unix(),
		Offset: offset,
		Zone:   zone,
	}
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
