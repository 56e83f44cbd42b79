// Package storage persists the last device port, display settings and
// lifetime typing totals in a bbolt database.
package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"statdeck/internal/config"
)

// Manager provides a unified interface for storage operations
type Manager struct {
	db     *BoltDB
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

// NewManager creates a new storage manager
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the storage manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}

func (m *Manager) open() (*BoltDB, error) {
	if m.db == nil {
		return nil, errors.New("storage is closed")
	}
	return m.db, nil
}

// SaveLastPort remembers port as the last successfully connected device
func (m *Manager) SaveLastPort(port string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, err := m.open()
	if err != nil {
		return err
	}

	m.logger.Debugf("Saving last port: %s", port)
	return db.put(SettingsBucket, LastPortKey, &LastPortRecord{
		Port:        port,
		ConnectedAt: time.Now(),
	})
}

// LastPort returns the remembered port, or "" if none was saved
func (m *Manager) LastPort() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return "", err
	}

	var record LastPortRecord
	if err := db.get(SettingsBucket, LastPortKey, &record); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return record.Port, nil
}

// SaveDisplaySettings stores the settings last applied to the device
func (m *Manager) SaveDisplaySettings(settings config.DisplaySettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, err := m.open()
	if err != nil {
		return err
	}

	return db.put(SettingsBucket, DisplaySettingsKey, &DisplaySettingsRecord{
		Settings: settings,
		Updated:  time.Now(),
	})
}

// DisplaySettings returns the stored settings. ok is false when nothing was
// stored yet.
func (m *Manager) DisplaySettings() (settings config.DisplaySettings, ok bool, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return settings, false, err
	}

	var record DisplaySettingsRecord
	if err := db.get(SettingsBucket, DisplaySettingsKey, &record); err != nil {
		if errors.Is(err, ErrNotFound) {
			return settings, false, nil
		}
		return settings, false, err
	}
	return record.Settings, true, nil
}

// AddTypingTotals folds one finished session into the lifetime totals
func (m *Manager) AddTypingTotals(keystrokes uint64, wpm float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, err := m.open()
	if err != nil {
		return err
	}

	var record TypingTotalsRecord
	return db.update(TypingBucket, TypingTotalsKey, &record, func() error {
		record.TotalKeystrokes += keystrokes
		record.Sessions++
		if wpm > record.BestWPM {
			record.BestWPM = wpm
		}
		record.Updated = time.Now()
		return nil
	})
}

// TypingTotals returns the lifetime typing totals
func (m *Manager) TypingTotals() (TypingTotalsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var record TypingTotalsRecord
	db, err := m.open()
	if err != nil {
		return record, err
	}

	if err := db.get(TypingBucket, TypingTotalsKey, &record); err != nil && !errors.Is(err, ErrNotFound) {
		return record, err
	}
	return record, nil
}

// Backup creates a backup of the database
func (m *Manager) Backup(destPath string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return err
	}
	return db.Backup(destPath)
}

// GetSchemaVersion returns the current schema version
func (m *Manager) GetSchemaVersion() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return 0, err
	}
	return db.SchemaVersion()
}
