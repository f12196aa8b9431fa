package transport

import (
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

// Config holds serial connection settings.
type Config struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// DefaultBaudRate is ignored by USB CDC but required to open the port.
const DefaultBaudRate = 8_000_000

// Open opens a serial endpoint with 8N1 framing.
func Open(endpoint string, cfg Config) (*Transport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(endpoint, mode)
	if err != nil {
		return nil, &Error{Op: "open", Kind: KindIO, Err: fmt.Errorf("%s: %w", endpoint, err)}
	}
	t, err := New(port, cfg.ReadTimeout)
	if err != nil {
		return nil, err
	}
	log.Printf("[transport] opened %s at %d baud (timeout %v)", endpoint, cfg.BaudRate, t.timeout)
	return t, nil
}
