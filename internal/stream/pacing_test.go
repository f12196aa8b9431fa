package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChunkPeriod(t *testing.T) {
	p := DefaultPacing()
	// 4096 / 8000 * 0.975 s
	assert.InDelta(t, float64(499200*time.Microsecond), float64(p.ChunkPeriod(4096, 8000)), 1)
	assert.Equal(t, time.Duration(0), p.ChunkPeriod(4096, 0))
	assert.InDelta(t, float64(512*time.Microsecond), float64(p.UploadDelay(4096, 8000)), 1)
}

func TestDrawWindow(t *testing.T) {
	p := DefaultPacing()
	assert.Equal(t, 48000, p.DrawWindow(48000, 1.0))
	assert.Equal(t, 4000, p.DrawWindow(8000, 0.5))
}

func TestDrainCount(t *testing.T) {
	p := DefaultPacing()
	window := 6000 // 1 s at some rate

	// Steady state: one window per second spread over 60 frames, +2.5%.
	assert.Equal(t, 102, p.DrainCount(window, 1.0, window))

	// Never more than what is queued.
	assert.Equal(t, 40, p.DrainCount(window, 1.0, 40))

	// Backlog of one extra window: 0.4 catch-up on top.
	assert.Equal(t, 143, p.DrainCount(window, 1.0, 2*window))

	// Nothing queued or no window configured.
	assert.Zero(t, p.DrainCount(window, 1.0, 0))
	assert.Zero(t, p.DrainCount(0, 1.0, 100))
	assert.Equal(t, 1, p.DrainCount(10, 1.0, 100), "always drains at least one sample")
}

func TestDrainCount_NoCatchUp(t *testing.T) {
	p := DefaultPacing()
	p.CatchUpGain = 0
	assert.Equal(t, 102, p.DrainCount(6000, 1.0, 60000))
}

func TestWithDefaults(t *testing.T) {
	p := Pacing{}.withDefaults()
	d := DefaultPacing()
	assert.Equal(t, d.PeriodFactor, p.PeriodFactor)
	assert.Equal(t, d.FrameRate, p.FrameRate)
	assert.Equal(t, d.ChunkRetry, p.ChunkRetry)
	assert.Equal(t, d.BusyCooldown, p.BusyCooldown)
	assert.Zero(t, p.CatchUpGain, "zero gain is a valid setting")
}
