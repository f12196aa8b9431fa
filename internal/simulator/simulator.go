// Package simulator is an in-memory stmdsp device. It speaks the same byte
// protocol as the firmware and is used for demo mode and tests.
package simulator

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
)

// Waveform selects what the simulated ADC produces.
type Waveform int

const (
	// WaveSine is a 440 Hz tone around mid-rail.
	WaveSine Waveform = iota
	// WaveRamp counts 0..4095 and wraps, so sample order is observable.
	WaveRamp
)

// Options configures a simulated device.
type Options struct {
	Platform byte // 'h' or 'l'; default 'h'
	Waveform Waveform
	// Realtime makes chunks available only after a buffer period elapses,
	// like the hardware. Tests leave it off so chunks are always ready.
	Realtime bool
}

// ErrClosed is returned by I/O on a closed device.
var ErrClosed = errors.New("simulator: port closed")

// ErrWriteFailed is returned while write failures are injected.
var ErrWriteFailed = errors.New("simulator: write failed")

// Device implements transport.Port.
type Device struct {
	mu      sync.Mutex
	wake    chan struct{}
	timeout time.Duration
	closed  bool

	in  []byte // unparsed command bytes
	out []byte // bytes waiting to be read

	opts       Options
	bufferSize int
	rateIndex  byte
	running    bool
	measuring  bool
	generating bool
	lastError  protocol.DeviceError
	filter     []byte
	generator  []protocol.Sample

	pending    []byte // chunk bytes released one block per 'n'
	awaitBytes int    // payload bytes still expected for upload
	awaitOp    byte
	upload     []byte

	phase     float64
	ramp      protocol.Sample
	lastInput []protocol.Sample
	lastChunk time.Time

	measureCycles uint32
	busyUploads   int
	emptyReads    int
	failWrites    bool
	ops           []byte
}

// New returns an idle device.
func New(opts Options) *Device {
	if opts.Platform == 0 {
		opts.Platform = 'h'
	}
	return &Device{
		wake:          make(chan struct{}, 1),
		timeout:       50 * time.Millisecond,
		opts:          opts,
		bufferSize:    protocol.SamplesMax,
		measureCycles: 4000,
	}
}

// SetReadTimeout sets how long Read waits for data.
func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = t
	return nil
}

// ResetInputBuffer drops unread response bytes.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.out = nil
	return nil
}

// Close closes the port.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.signal()
	return nil
}

// Read returns pending response bytes, waiting up to the read timeout. Like a
// serial port, a timeout yields (0, nil).
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	for {
		if d.closed {
			d.mu.Unlock()
			return 0, ErrClosed
		}
		if len(d.out) > 0 {
			n := copy(p, d.out)
			d.out = d.out[n:]
			d.mu.Unlock()
			return n, nil
		}
		d.mu.Unlock()
		select {
		case <-d.wake:
		case <-timer.C:
			return 0, nil
		}
		d.mu.Lock()
	}
}

// Write feeds command bytes to the device.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if d.failWrites {
		return 0, ErrWriteFailed
	}
	d.in = append(d.in, p...)
	d.process()
	d.signal()
	return len(p), nil
}

func (d *Device) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Device) reply(b ...byte) {
	d.out = append(d.out, b...)
}

// process consumes as many complete commands from d.in as possible.
func (d *Device) process() {
	for len(d.in) > 0 {
		if d.awaitBytes > 0 {
			n := min(d.awaitBytes, len(d.in))
			d.upload = append(d.upload, d.in[:n]...)
			d.in = d.in[n:]
			d.awaitBytes -= n
			if d.awaitBytes == 0 {
				d.finishUpload()
			}
			continue
		}

		op := d.in[0]
		need := 1
		switch op {
		case protocol.OpSampleRate:
			need = 2
		case protocol.OpSetBufferSize, protocol.OpUploadGenerator, protocol.OpUploadFilter:
			need = 3
		}
		if len(d.in) < need {
			return
		}
		cmd := d.in[:need]
		d.in = d.in[need:]
		d.ops = append(d.ops, op)
		d.handle(cmd)
	}
}

func (d *Device) handle(cmd []byte) {
	switch cmd[0] {
	case protocol.OpIdentify:
		d.reply([]byte(protocol.IdentifyPrefix)...)
		d.reply(d.opts.Platform)
	case protocol.OpSetBufferSize:
		n := int(binary.LittleEndian.Uint16(cmd[1:]))
		if d.running || n < 1 || n > protocol.MaxBufferSize {
			d.lastError = protocol.ErrorBadParam
			return
		}
		d.bufferSize = n
		d.lastInput = nil
	case protocol.OpSampleRate:
		if cmd[1] == protocol.RateQuery {
			d.reply(d.rateIndex)
		} else if int(cmd[1]) < protocol.NumSampleRates && !d.running {
			d.rateIndex = cmd[1]
		} else {
			d.lastError = protocol.ErrorBadParam
		}
	case protocol.OpStart, protocol.OpStartMeasure:
		if d.running {
			d.lastError = protocol.ErrorNotIdle
			return
		}
		d.running = true
		d.measuring = cmd[0] == protocol.OpStartMeasure
		d.lastChunk = time.Now()
	case protocol.OpStop:
		d.running = false
		d.measuring = false
		d.pending = nil
	case protocol.OpMeasurement:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], d.measureCycles)
		d.reply(b[:]...)
	case protocol.OpReadChunk, protocol.OpReadInputChunk:
		d.readChunk(cmd[0] == protocol.OpReadInputChunk)
	case protocol.OpNext:
		d.releaseBlock()
	case protocol.OpUploadGenerator:
		n := int(binary.LittleEndian.Uint16(cmd[1:]))
		if d.generating {
			if d.busyUploads > 0 {
				d.busyUploads--
				d.reply(0)
				return
			}
			d.reply(1)
		}
		d.beginUpload(cmd[0], n*protocol.SampleWidth)
	case protocol.OpUploadFilter:
		d.beginUpload(cmd[0], int(binary.LittleEndian.Uint16(cmd[1:])))
	case protocol.OpUnloadFilter:
		d.filter = nil
	case protocol.OpStartGenerator:
		d.generating = true
	case protocol.OpStopGenerator:
		d.generating = false
	case protocol.OpStatus:
		status := protocol.RunStatusIdle
		if d.running {
			status = protocol.RunStatusRunning
		}
		d.reply(byte(status), byte(d.lastError))
		d.lastError = protocol.ErrorNone
	}
}

func (d *Device) beginUpload(op byte, n int) {
	d.awaitOp = op
	d.awaitBytes = n
	d.upload = d.upload[:0]
	if n == 0 {
		d.finishUpload()
	}
}

func (d *Device) finishUpload() {
	data := append([]byte(nil), d.upload...)
	switch d.awaitOp {
	case protocol.OpUploadGenerator:
		d.generator = protocol.DecodeSamples(data)
	case protocol.OpUploadFilter:
		if d.running {
			d.lastError = protocol.ErrorNotIdle
			return
		}
		d.filter = data
	}
}

func (d *Device) readChunk(input bool) {
	if !d.running || d.emptyReads > 0 || (d.opts.Realtime && !d.chunkReady()) {
		if d.emptyReads > 0 {
			d.emptyReads--
		}
		d.reply(0, 0)
		return
	}
	var samples []protocol.Sample
	if input {
		// Raw ADC view of the most recent conversion.
		samples = append(samples, d.lastInput...)
		if len(samples) == 0 {
			samples = make([]protocol.Sample, d.bufferSize)
			for i := range samples {
				samples[i] = protocol.MidRail
			}
		}
	} else {
		d.lastChunk = time.Now()
		samples = d.synthesize(d.bufferSize)
		d.lastInput = append(d.lastInput[:0], samples...)
	}
	if !input && d.filter != nil {
		for i, s := range samples {
			samples[i] = protocol.MaxSample - s
		}
	}
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(samples)))
	d.reply(hdr[:]...)
	d.pending = protocol.EncodeSamples(samples)
	d.releaseBlock()
}

func (d *Device) releaseBlock() {
	if len(d.pending) == 0 {
		return
	}
	n := min(len(d.pending), protocol.SubChunkSize)
	d.reply(d.pending[:n]...)
	d.pending = d.pending[n:]
}

func (d *Device) chunkReady() bool {
	period := time.Duration(float64(d.bufferSize) / float64(protocol.RateHz(int(d.rateIndex))) * float64(time.Second))
	return time.Since(d.lastChunk) >= period
}

func (d *Device) synthesize(n int) []protocol.Sample {
	out := make([]protocol.Sample, n)
	switch d.opts.Waveform {
	case WaveRamp:
		for i := range out {
			out[i] = d.ramp
			d.ramp = (d.ramp + 1) & protocol.MaxSample
		}
	default:
		step := 2 * math.Pi * 440 / float64(protocol.RateHz(int(d.rateIndex)))
		for i := range out {
			out[i] = protocol.Sample(float64(protocol.MidRail) + 1800*math.Sin(d.phase))
			d.phase = math.Mod(d.phase+step, 2*math.Pi)
		}
	}
	return out
}

// SetMeasureCycles sets the raw (double-counted) value returned by 'm'.
func (d *Device) SetMeasureCycles(c uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.measureCycles = c
}

// SetBusyUploads makes the next n generator uploads during generation be rejected.
func (d *Device) SetBusyUploads(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busyUploads = n
}

// Resize changes the device's buffer size without the host being told,
// as if the firmware misbehaved.
func (d *Device) Resize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bufferSize = n
}

// SetEmptyReads makes the next n chunk reads report no data.
func (d *Device) SetEmptyReads(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emptyReads = n
}

// SetFailWrites injects write failures.
func (d *Device) SetFailWrites(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrites = fail
}

// SetError queues a device error for the next status query.
func (d *Device) SetError(e protocol.DeviceError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastError = e
}

// Halt stops conversion on the device side only, leaving the host unaware.
func (d *Device) Halt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.measuring = false
}

// Running reports whether the device is converting.
func (d *Device) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Generating reports whether the DAC output is on.
func (d *Device) Generating() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generating
}

// BufferSize returns the configured chunk size.
func (d *Device) BufferSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufferSize
}

// RateIndex returns the configured sample-rate index.
func (d *Device) RateIndex() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(d.rateIndex)
}

// Generator returns the last uploaded generator buffer.
func (d *Device) Generator() []protocol.Sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Sample(nil), d.generator...)
}

// Filter returns the loaded filter binary, or nil.
func (d *Device) Filter() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.filter...)
}

// Ops returns every opcode processed so far, in order.
func (d *Device) Ops() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.ops...)
}

// Count returns how many times op was processed.
func (d *Device) Count(op byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, o := range d.ops {
		if o == op {
			n++
		}
	}
	return n
}
