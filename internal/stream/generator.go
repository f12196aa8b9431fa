package stream

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shaunagostinho/stmdsp-dash/internal/device"
	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
	"github.com/shaunagostinho/stmdsp-dash/internal/retry"
)

// Source produces signed 16-bit PCM for the generator, e.g. a WAV clip.
type Source interface {
	Next(buf []int16)
}

// ToDAC maps signed 16-bit PCM onto the 12-bit DAC range around mid-rail.
func ToDAC(v int16) protocol.Sample {
	return protocol.Sample(int(v)/16 + int(protocol.MidRail))
}

// Generator feeds a Source into the device's signal generator.
type Generator struct {
	Device Device
	Source Source
	Pacing Pacing
	Clock  retry.Clock
}

// Run primes the DAC with a mid-rail buffer, starts generation and then
// uploads one buffer per period until generation is switched off.
func (g *Generator) Run(ctx context.Context) error {
	p := g.Pacing.withDefaults()
	clk := g.Clock
	if clk == nil {
		clk = retry.RealClock
	}
	size := g.Device.BufferSize()
	rate := g.Device.SampleRateHz()
	period := p.ChunkPeriod(size, rate)
	if period < minPeriod {
		period = minPeriod
	}
	uploadPolicy := retry.Policy{Delay: p.UploadDelay(size, rate), Deadline: period}

	prime := make([]protocol.Sample, size*2)
	for i := range prime {
		prime[i] = protocol.MidRail
	}
	err := g.Device.WithLock(func(tx *device.Tx) error {
		if err := tx.UploadGenerator(prime); err != nil {
			return err
		}
		return tx.StartGenerating()
	})
	if err != nil {
		return err
	}
	if err := retry.Sleep(ctx, clk, time.Millisecond); err != nil {
		return err
	}

	log.Printf("[stream] generator feed started (period %v)", period)
	defer log.Printf("[stream] generator feed stopped")

	pcm := make([]int16, size)
	out := make([]protocol.Sample, size)
	for g.Device.IsGenerating() {
		next := clk.Now().Add(period)

		g.Source.Next(pcm)
		for i, v := range pcm {
			out[i] = ToDAC(v)
		}

		err := g.Device.WithLock(func(tx *device.Tx) error {
			return retry.Do(ctx, clk, uploadPolicy, func(int) (bool, error) {
				if !g.Device.IsGenerating() {
					return true, nil
				}
				err := tx.UploadGenerator(out)
				if errors.Is(err, device.ErrBusy) {
					return false, nil
				}
				return err == nil, err
			})
		})
		if errors.Is(err, retry.ErrExhausted) {
			log.Printf("[stream] generator busy for a whole period, buffer dropped")
		} else if err != nil {
			return err
		}

		if err := retry.SleepUntil(ctx, clk, next); err != nil {
			return err
		}
	}
	return nil
}
