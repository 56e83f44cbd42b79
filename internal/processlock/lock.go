// Package processlock keeps a single statdeck instance per data directory.
// Two instances would fight over the serial port and the state database.
package processlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

const pidFileName = "statdeck.pid"

// ErrAlreadyRunning is returned when a live instance holds the lock
var ErrAlreadyRunning = errors.New("another statdeck instance is already running")

// ProcessLock is a PID file in the data directory
type ProcessLock struct {
	pidFile string
	logger  *zap.Logger
}

// New creates a lock for dataDir
func New(dataDir string, logger *zap.Logger) *ProcessLock {
	return &ProcessLock{
		pidFile: filepath.Join(dataDir, pidFileName),
		logger:  logger,
	}
}

// Path returns the PID file location
func (p *ProcessLock) Path() string {
	return p.pidFile
}

// Acquire writes the current PID, replacing a stale file left by a dead
// process
func (p *ProcessLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.pidFile), 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	if _, err := os.Stat(p.pidFile); err == nil {
		pid, err := p.readPID()
		switch {
		case err != nil:
			p.logger.Warn("Unreadable PID file, removing stale lock",
				zap.String("pid_file", p.pidFile),
				zap.Error(err))
			os.Remove(p.pidFile)
		case pid != os.Getpid() && isProcessRunning(pid):
			return fmt.Errorf("%w (PID: %d)", ErrAlreadyRunning, pid)
		default:
			p.logger.Warn("Removing stale PID file",
				zap.Int("pid", pid),
				zap.String("pid_file", p.pidFile))
			os.Remove(p.pidFile)
		}
	}

	if err := os.WriteFile(p.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	p.logger.Info("Process lock acquired",
		zap.Int("pid", os.Getpid()),
		zap.String("pid_file", p.pidFile))
	return nil
}

// Release removes the PID file if it still belongs to this process
func (p *ProcessLock) Release() error {
	pid, err := p.readPID()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	p.logger.Info("Process lock released", zap.String("pid_file", p.pidFile))
	return nil
}

func (p *ProcessLock) readPID() (int, error) {
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in file: %q", raw)
	}
	return pid, nil
}

// isProcessRunning checks pid with signal 0
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	// EPERM means the process exists but belongs to someone else
	return err == nil || errors.Is(err, syscall.EPERM)
}
