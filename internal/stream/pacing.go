package stream

import (
	"math"
	"time"

	"github.com/shaunagostinho/stmdsp-dash/internal/retry"
)

// Pacing holds the rate-matching constants shared by the producer tasks and
// the draw consumer. The defaults are tuned values, not protocol contracts.
type Pacing struct {
	// PeriodFactor shortens the chunk period so the reader stays slightly
	// ahead of the device.
	PeriodFactor float64 `yaml:"period_factor" json:"periodFactor"`
	// UploadFactor scales the chunk period into the busy-upload retry delay.
	UploadFactor float64 `yaml:"upload_factor" json:"uploadFactor"`
	// DrainFactor overdrains slightly per frame so the consumer never lags.
	DrainFactor float64 `yaml:"drain_factor" json:"drainFactor"`
	// CatchUpGain scales the extra drain applied per window of backlog.
	CatchUpGain float64 `yaml:"catch_up_gain" json:"catchUpGain"`
	// FrameRate is the consumer's draw cadence in frames per second.
	FrameRate float64 `yaml:"frame_rate" json:"frameRate"`

	BusyCooldown   time.Duration `yaml:"busy_cooldown" json:"busyCooldown"`
	InputLockWait  time.Duration `yaml:"input_lock_wait" json:"inputLockWait"`
	StatusInterval time.Duration `yaml:"status_interval" json:"statusInterval"`
	MeasureDelay   time.Duration `yaml:"measure_delay" json:"measureDelay"`
	ChunkRetry     retry.Policy  `yaml:"-" json:"-"`
}

// DefaultPacing returns the tuned defaults.
func DefaultPacing() Pacing {
	return Pacing{
		PeriodFactor:   0.975,
		UploadFactor:   0.001,
		DrainFactor:    1.025,
		CatchUpGain:    0.4,
		FrameRate:      60,
		BusyCooldown:   500 * time.Millisecond,
		InputLockWait:  time.Millisecond,
		StatusInterval: time.Second,
		MeasureDelay:   time.Second,
		ChunkRetry:     retry.Policy{MaxAttempts: 100, Delay: 20 * time.Microsecond},
	}
}

// withDefaults fills zero fields from DefaultPacing.
func (p Pacing) withDefaults() Pacing {
	d := DefaultPacing()
	if p.PeriodFactor <= 0 {
		p.PeriodFactor = d.PeriodFactor
	}
	if p.UploadFactor <= 0 {
		p.UploadFactor = d.UploadFactor
	}
	if p.DrainFactor <= 0 {
		p.DrainFactor = d.DrainFactor
	}
	if p.CatchUpGain < 0 {
		p.CatchUpGain = d.CatchUpGain
	}
	if p.FrameRate <= 0 {
		p.FrameRate = d.FrameRate
	}
	if p.BusyCooldown <= 0 {
		p.BusyCooldown = d.BusyCooldown
	}
	if p.InputLockWait <= 0 {
		p.InputLockWait = d.InputLockWait
	}
	if p.StatusInterval <= 0 {
		p.StatusInterval = d.StatusInterval
	}
	if p.MeasureDelay <= 0 {
		p.MeasureDelay = d.MeasureDelay
	}
	if p.ChunkRetry.MaxAttempts <= 0 {
		p.ChunkRetry = d.ChunkRetry
	}
	return p
}

func (p Pacing) period(bufferSize, rateHz int, factor float64) time.Duration {
	if bufferSize <= 0 || rateHz <= 0 {
		return 0
	}
	return time.Duration(float64(bufferSize) / float64(rateHz) * factor * float64(time.Second))
}

// ChunkPeriod is the expected time between chunks, discounted by PeriodFactor.
func (p Pacing) ChunkPeriod(bufferSize, rateHz int) time.Duration {
	return p.period(bufferSize, rateHz, p.PeriodFactor)
}

// UploadDelay is the wait between rejected generator uploads.
func (p Pacing) UploadDelay(bufferSize, rateHz int) time.Duration {
	return p.period(bufferSize, rateHz, p.UploadFactor)
}

// DrawWindow is the number of samples shown for a timeframe in seconds.
func (p Pacing) DrawWindow(rateHz int, timeframe float64) int {
	return int(math.Round(float64(rateHz) * timeframe))
}

// DrainCount returns how many samples the consumer should pull this frame.
// The base rate drains one window per timeframe, spread over the frames in
// it. When more than a full window is queued the count is raised by
// CatchUpGain per window of backlog so the consumer converges back to live.
func (p Pacing) DrainCount(window int, timeframe float64, queued int) int {
	if window <= 0 || timeframe <= 0 || queued <= 0 {
		return 0
	}
	perFrame := float64(window) / (p.FrameRate * timeframe) * p.DrainFactor
	if backlog := queued - window; backlog > 0 {
		perFrame *= 1 + p.CatchUpGain*float64(backlog)/float64(window)
	}
	n := int(perFrame)
	if n < 1 {
		n = 1
	}
	if n > queued {
		n = queued
	}
	return n
}
