// Package stream moves samples between a device session and its consumers.
// Each long-lived activity (continuous reading, generator feeding, status
// polling) is one goroutine coordinating through the session's I/O lock.
package stream

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/stmdsp-dash/internal/device"
	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
	"github.com/shaunagostinho/stmdsp-dash/internal/retry"
)

// Device is the part of a session the tasks need. *device.Session satisfies it.
type Device interface {
	Connected() bool
	IsRunning() bool
	IsGenerating() bool
	BufferSize() int
	SampleRateHz() int
	WithLock(fn func(tx *device.Tx) error) error
	TryWithLock(ctx context.Context, fn func(tx *device.Tx) error) error
}

const minPeriod = time.Millisecond

// Reader pulls chunks from a running device into Buffers at the device's
// production rate.
type Reader struct {
	Device  Device
	Buffers *Buffers
	Pacing  Pacing
	Clock   retry.Clock
	// Input, when set and true, also reads the raw input chunk each cycle.
	Input *atomic.Bool
	// Notify receives user-facing messages.
	Notify func(string)
}

func (r *Reader) clock() retry.Clock {
	if r.Clock == nil {
		return retry.RealClock
	}
	return r.Clock
}

func (r *Reader) notify(msg string) {
	if r.Notify != nil {
		r.Notify(msg)
	}
}

// Run loops until the device stops running, the session is lost, or ctx is
// done. Each cycle has a fixed deadline so jitter does not accumulate.
func (r *Reader) Run(ctx context.Context) error {
	p := r.Pacing.withDefaults()
	clk := r.clock()
	period := p.ChunkPeriod(r.Device.BufferSize(), r.Device.SampleRateHz())
	if period < minPeriod {
		period = minPeriod
	}
	log.Printf("[stream] reader started (period %v)", period)
	defer log.Printf("[stream] reader stopped")

	for r.Device.IsRunning() {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := clk.Now().Add(period)

		var chunk []protocol.Sample
		lockCtx, cancel := context.WithTimeout(ctx, next.Sub(clk.Now()))
		err := r.Device.TryWithLock(lockCtx, func(tx *device.Tx) (err error) {
			chunk, err = r.receive(ctx, p, tx.ReadChunk)
			return err
		})
		cancel()
		if errors.Is(err, device.ErrLockTimeout) {
			// Device is busy elsewhere.
			if err := retry.Sleep(ctx, clk, p.BusyCooldown); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if err := r.Buffers.Append(chunk); err != nil {
			log.Printf("[stream] sample log write failed: %v", err)
			r.Buffers.SetSink(nil)
			r.notify("Error: Could not write to log file, logging stopped.")
		}

		if r.Input != nil && r.Input.Load() {
			if err := r.readInput(ctx, p); err != nil {
				return err
			}
		}

		if err := retry.SleepUntil(ctx, clk, next); err != nil {
			return err
		}
	}
	return nil
}

// readInput makes one short lock attempt for the input chunk. A busy lock
// just skips this cycle's input.
func (r *Reader) readInput(ctx context.Context, p Pacing) error {
	var chunk []protocol.Sample
	lockCtx, cancel := context.WithTimeout(ctx, p.InputLockWait)
	defer cancel()
	err := r.Device.TryWithLock(lockCtx, func(tx *device.Tx) (err error) {
		chunk, err = r.receive(ctx, p, tx.ReadInputChunk)
		return err
	})
	if errors.Is(err, device.ErrLockTimeout) {
		return nil
	}
	if err != nil {
		return err
	}
	r.Buffers.AppendInput(chunk)
	return nil
}

// receive retries read until it yields a non-empty chunk, the device stops
// running, or the retry policy is exhausted. Exhaustion is not an error.
func (r *Reader) receive(ctx context.Context, p Pacing, read func() ([]protocol.Sample, error)) ([]protocol.Sample, error) {
	var chunk []protocol.Sample
	err := retry.Do(ctx, r.clock(), p.ChunkRetry, func(int) (bool, error) {
		if !r.Device.IsRunning() {
			return true, nil
		}
		c, err := read()
		if err != nil {
			return false, err
		}
		chunk = c
		return len(c) > 0, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return nil, nil
	}
	return chunk, err
}
