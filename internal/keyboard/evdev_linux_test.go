//go:build linux

package keyboard

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statdeck/internal/faults"
)

type scriptedEvents struct {
	events []evdev.InputEvent
	end    error
}

func (s *scriptedEvents) ReadOne() (*evdev.InputEvent, error) {
	if len(s.events) == 0 {
		return nil, s.end
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return &ev, nil
}

func TestReadKeyPresses_CountsPressesOnly(t *testing.T) {
	r := &scriptedEvents{
		events: []evdev.InputEvent{
			{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: keyPressed},
			{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 2}, // auto-repeat
			{Type: evdev.EV_KEY, Code: evdev.KEY_A, Value: 0}, // release
			{Type: evdev.EV_MSC, Code: evdev.MSC_SCAN, Value: 30},
			{Type: evdev.EV_KEY, Code: evdev.KEY_S, Value: keyPressed},
		},
		end: io.EOF,
	}

	keys := make(chan struct{}, 10)
	err := readKeyPresses(context.Background(), r, keys)
	require.Error(t, err, "end of stream is reported as a closed device")
	assert.Len(t, keys, 2)
}

func TestReadKeyPresses_CloseIsNotAnError(t *testing.T) {
	r := &scriptedEvents{end: os.ErrClosed}
	assert.NoError(t, readKeyPresses(context.Background(), r, make(chan struct{}, 1)))
}

func TestOpenKeyboards_MissingDevice(t *testing.T) {
	_, err := openKeyboards(filepath.Join(t.TempDir(), "event99"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, faults.ErrPermission))
}

func TestOpenKeyboards_UnreadableDeviceIsPermission(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can open any file")
	}
	path := filepath.Join(t.TempDir(), "event0")
	require.NoError(t, os.WriteFile(path, nil, 0o000))

	_, err := openKeyboards(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, faults.ErrPermission))
}
