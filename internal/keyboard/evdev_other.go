//go:build !linux

package keyboard

import (
	"fmt"
	"runtime"

	"statdeck/internal/faults"
)

func openKeyboards(string) ([]keyboardDevice, error) {
	return nil, fmt.Errorf("%w: global keyboard capture is not supported on %s",
		faults.ErrPermission, runtime.GOOS)
}
