package serial

import (
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one enumerated serial port
type PortInfo struct {
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	IsUSB        bool   `json:"is_usb"`
}

// Enumerator lists the ports present on the host
type Enumerator func() ([]*enumerator.PortDetails, error)

// USB-serial bridges commonly found on ESP32 boards
var knownVendors = map[string]string{
	"303A": "Espressif",
	"10C4": "Silicon Labs",
	"1A86": "QinHeng Electronics",
	"0403": "FTDI",
	"067B": "Prolific",
}

func toPortInfo(d *enumerator.PortDetails) PortInfo {
	info := PortInfo{
		Path:         d.Name,
		Product:      d.Product,
		IsUSB:        d.IsUSB,
		SerialNumber: d.SerialNumber,
	}
	if d.IsUSB {
		info.VID = strings.ToUpper(d.VID)
		info.PID = strings.ToUpper(d.PID)
		info.Manufacturer = knownVendors[info.VID]
	}
	return info
}

func listPorts(enumerate Enumerator) ([]PortInfo, error) {
	details, err := enumerate()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		ports = append(ports, toPortInfo(d))
	}
	// USB ports first; they are the only plausible displays
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].IsUSB != ports[j].IsUSB {
			return ports[i].IsUSB
		}
		return ports[i].Path < ports[j].Path
	})
	return ports, nil
}

// ListPorts enumerates the host's serial ports without a Device
func ListPorts() ([]PortInfo, error) {
	return listPorts(enumerator.GetDetailedPortsList)
}

// HasPort reports whether path is among ports
func HasPort(ports []PortInfo, path string) bool {
	for _, p := range ports {
		if p.Path == path {
			return true
		}
	}
	return false
}
