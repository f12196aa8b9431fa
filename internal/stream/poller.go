package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaunagostinho/stmdsp-dash/internal/device"
	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
	"github.com/shaunagostinho/stmdsp-dash/internal/retry"
)

// ErrorMessage turns a device-reported error into a user message.
func ErrorMessage(e protocol.DeviceError) string {
	switch e {
	case protocol.ErrorNone:
		return ""
	case protocol.ErrorNotIdle:
		return "Error: Device already running..."
	case protocol.ErrorConversionAborted:
		return "Error: Algorithm unloaded, a fault occurred!"
	default:
		return "Error: Device had an issue..."
	}
}

// Poller queries device status periodically while the session is connected.
// Status also resyncs the session's run state with the device.
type Poller struct {
	Device Device
	Pacing Pacing
	Clock  retry.Clock
	Notify func(string)
}

// Run polls until the session disconnects or ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	pc := p.Pacing.withDefaults()
	clk := p.Clock
	if clk == nil {
		clk = retry.RealClock
	}
	for p.Device.Connected() {
		var de protocol.DeviceError
		err := p.Device.WithLock(func(tx *device.Tx) (err error) {
			_, de, err = tx.Status()
			return err
		})
		if errors.Is(err, device.ErrNotConnected) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg := ErrorMessage(de); msg != "" && p.Notify != nil {
			p.Notify(msg)
		}
		if err := retry.Sleep(ctx, clk, pc.StatusInterval); err != nil {
			return err
		}
	}
	return nil
}

// Measure waits for the measurement window and reports the cycle count.
func Measure(ctx context.Context, dev Device, pacing Pacing, clk retry.Clock, notify func(string)) error {
	p := pacing.withDefaults()
	if clk == nil {
		clk = retry.RealClock
	}
	if err := retry.Sleep(ctx, clk, p.MeasureDelay); err != nil {
		return err
	}
	var cycles uint32
	err := dev.WithLock(func(tx *device.Tx) (err error) {
		cycles, err = tx.Measurement()
		return err
	})
	if err != nil {
		return err
	}
	if notify != nil {
		notify(fmt.Sprintf("Execution time: %d cycles.", cycles))
	}
	return nil
}
