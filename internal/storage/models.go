package storage

import (
	"encoding/json"
	"time"

	"statdeck/internal/config"
)

// Bucket names for bbolt database
const (
	SettingsBucket = "settings"
	TypingBucket   = "typing"
	MetaBucket     = "meta"
)

// Keys
const (
	SchemaVersionKey   = "schema"
	LastPortKey        = "last_port"
	DisplaySettingsKey = "display"
	TypingTotalsKey    = "totals"
)

// Current schema version
const CurrentSchemaVersion = 1

// LastPortRecord remembers the most recent successful device connection
type LastPortRecord struct {
	Port        string    `json:"port"`
	ConnectedAt time.Time `json:"connected_at"`
}

// DisplaySettingsRecord stores the settings last applied to the device
type DisplaySettingsRecord struct {
	Settings config.DisplaySettings `json:"settings"`
	Updated  time.Time              `json:"updated"`
}

// TypingTotalsRecord accumulates typing figures across sessions
type TypingTotalsRecord struct {
	TotalKeystrokes uint64    `json:"total_keystrokes"`
	Sessions        uint64    `json:"sessions"`
	BestWPM         float64   `json:"best_wpm"`
	Updated         time.Time `json:"updated"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *LastPortRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *LastPortRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *DisplaySettingsRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *DisplaySettingsRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *TypingTotalsRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *TypingTotalsRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
