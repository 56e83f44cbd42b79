package keyboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"statdeck/internal/faults"
)

// keyboardDevice is one opened input device
type keyboardDevice interface {
	// readKeys signals keys for every key press until the device is closed
	readKeys(ctx context.Context, keys chan<- struct{}) error
	io.Closer
}

// RunListener is the body of the keylistener helper. It opens the keyboard
// devices, reports "ready" and then one "key" message per key press on out.
// It returns when ctx is done or in reaches EOF, which is how the parent
// asks it to stop.
func RunListener(ctx context.Context, in io.Reader, out io.Writer, devicePath string) error {
	enc := json.NewEncoder(out)

	devices, err := openKeyboards(devicePath)
	if err != nil {
		code := CodeDevice
		if errors.Is(err, faults.ErrPermission) || errors.Is(err, os.ErrPermission) {
			code = CodePermission
		}
		_ = enc.Encode(Message{Type: MsgError, Code: code, Message: err.Error()})
		return err
	}
	defer closeAll(devices)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		_, _ = io.Copy(io.Discard, in)
		cancel()
	}()

	keys := make(chan struct{}, 256)
	readErr := make(chan error, len(devices))
	var wg sync.WaitGroup
	for _, dev := range devices {
		wg.Add(1)
		go func(d keyboardDevice) {
			defer wg.Done()
			if err := d.readKeys(ctx, keys); err != nil {
				readErr <- err
			}
		}(dev)
	}

	if err := enc.Encode(Message{Type: MsgReady}); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			closeAll(devices)
			wg.Wait()
			return nil
		case <-keys:
			if err := enc.Encode(Message{Type: MsgKey}); err != nil {
				return fmt.Errorf("failed to write key event: %w", err)
			}
		case err := <-readErr:
			code := CodeDevice
			if errors.Is(err, os.ErrPermission) {
				code = CodePermission
			}
			_ = enc.Encode(Message{Type: MsgError, Code: code, Message: err.Error()})
			return err
		}
	}
}

func closeAll(devices []keyboardDevice) {
	for _, d := range devices {
		_ = d.Close()
	}
}
