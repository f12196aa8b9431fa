package transport

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// DefaultSignature matches the STM32 virtual COM port the firmware enumerates as.
const DefaultSignature = "VID:PID=0483:5740"

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name       string
	HardwareID string
}

// Scanner finds serial ports that belong to the device.
type Scanner struct {
	// Signature is matched as a case-insensitive substring of HardwareID.
	Signature string
	// List enumerates ports; defaults to the system enumerator.
	List func() ([]PortInfo, error)
}

// NewScanner returns a scanner backed by the system port enumerator.
func NewScanner(signature string) *Scanner {
	if signature == "" {
		signature = DefaultSignature
	}
	return &Scanner{Signature: signature, List: SystemPorts}
}

// Scan returns the matching endpoints, most recently enumerated first.
func (s *Scanner) Scan() ([]string, error) {
	list := s.List
	if list == nil {
		list = SystemPorts
	}
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	sig := strings.ToUpper(s.Signature)
	var found []string
	for i := len(ports) - 1; i >= 0; i-- {
		if strings.Contains(strings.ToUpper(ports[i].HardwareID), sig) {
			found = append(found, ports[i].Name)
		}
	}
	return found, nil
}

// SystemPorts lists serial ports via go.bug.st/serial/enumerator. Non-USB
// ports get an empty hardware id.
func SystemPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{Name: d.Name, HardwareID: hardwareID(d)})
	}
	return out, nil
}

func hardwareID(d *enumerator.PortDetails) string {
	if !d.IsUSB {
		return ""
	}
	id := fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(d.VID), strings.ToUpper(d.PID))
	if d.SerialNumber != "" {
		id += " SNR=" + d.SerialNumber
	}
	return id
}
