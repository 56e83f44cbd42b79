//go:build linux

package keyboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/holoplot/go-evdev"

	"statdeck/internal/faults"
)

const keyPressed = 1

// eventReader is the part of *evdev.InputDevice the decoder needs
type eventReader interface {
	ReadOne() (*evdev.InputEvent, error)
}

type evdevKeyboard struct {
	dev  *evdev.InputDevice
	path string
}

func (k *evdevKeyboard) readKeys(ctx context.Context, keys chan<- struct{}) error {
	if err := readKeyPresses(ctx, k.dev, keys); err != nil {
		return fmt.Errorf("%s: %w", k.path, err)
	}
	return nil
}

func (k *evdevKeyboard) Close() error {
	return k.dev.Close()
}

// openKeyboards opens devicePath, or every readable input device that
// looks like a keyboard
func openKeyboards(devicePath string) ([]keyboardDevice, error) {
	if devicePath != "" {
		dev, err := openDevice(devicePath)
		if err != nil {
			return nil, err
		}
		return []keyboardDevice{dev}, nil
	}

	// devices that cannot be opened are left out of the listing
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("failed to list input devices: %w", err)
	}

	var devices []keyboardDevice
	for _, p := range paths {
		dev, err := openDevice(p.Path)
		if err != nil {
			continue
		}
		if !isKeyboard(dev.dev) {
			_ = dev.Close()
			continue
		}
		devices = append(devices, dev)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no readable keyboard input devices (is the user in the input group?)", faults.ErrPermission)
	}
	return devices, nil
}

func openDevice(path string) (*evdevKeyboard, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v (is the user in the input group?)", faults.ErrPermission, err)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &evdevKeyboard{dev: dev, path: path}, nil
}

// isKeyboard filters out mice, power buttons and other devices that only
// emit a handful of key codes
func isKeyboard(dev *evdev.InputDevice) bool {
	var letters, space bool
	for _, code := range dev.CapableEvents(evdev.EV_KEY) {
		switch code {
		case evdev.KEY_A:
			letters = true
		case evdev.KEY_SPACE:
			space = true
		}
	}
	return letters && space
}

// readKeyPresses signals keys for every key press read from r.
// Auto-repeat and releases are not counted.
func readKeyPresses(ctx context.Context, r eventReader, keys chan<- struct{}) error {
	for {
		ev, err := r.ReadOne()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("keyboard device closed: %w", err)
			}
			return fmt.Errorf("failed to read input event: %w", err)
		}
		if ev.Type != evdev.EV_KEY || ev.Value != keyPressed {
			continue
		}
		select {
		case keys <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
	}
}
