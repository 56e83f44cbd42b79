package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"statdeck/internal/processlock"
	"statdeck/internal/storage"
)

// backupState copies the state database of dataDir to dest. The daemon
// holds the database open, so it must not be running.
func backupState(dataDir, dest string, logger *zap.Logger) error {
	if _, err := os.Stat(filepath.Join(dataDir, storage.DatabaseFile)); err != nil {
		return fmt.Errorf("no state database in %s: %w", dataDir, err)
	}

	lock := processlock.New(dataDir, logger)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, processlock.ErrAlreadyRunning) {
			return fmt.Errorf("stop the running instance before a backup: %w", err)
		}
		return err
	}
	defer func() { _ = lock.Release() }()

	store, err := storage.NewManager(dataDir, logger.Sugar())
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	if err := store.Backup(dest); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}
