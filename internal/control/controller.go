// Package control is the boundary between a user interface and the device
// core. A Controller owns at most one session and the background tasks that
// serve it, and reports everything the user should see through Events.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shaunagostinho/stmdsp-dash/internal/device"
	"github.com/shaunagostinho/stmdsp-dash/internal/logger"
	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
	"github.com/shaunagostinho/stmdsp-dash/internal/retry"
	"github.com/shaunagostinho/stmdsp-dash/internal/stream"
	"github.com/shaunagostinho/stmdsp-dash/internal/transport"
	"github.com/shaunagostinho/stmdsp-dash/internal/wav"
)

// stopGrace lets an in-flight reader observe the stop before its next read.
const stopGrace = 150 * time.Microsecond

// Options configures a Controller.
type Options struct {
	// Port is a fixed endpoint. Empty means use the first scanned device.
	Port    string
	Scanner *transport.Scanner

	Transport transport.Config
	Pacing    stream.Pacing

	// BufferSize and SampleRate (Hz) are applied after connecting when set.
	BufferSize int
	SampleRate int

	LogMaxRows int

	// Dial opens a session. Defaults to device.Open.
	Dial  func(endpoint string, opts device.Options) (*device.Session, error)
	Clock retry.Clock
}

// StartOptions selects what a run does with its samples.
type StartOptions struct {
	Measure bool `json:"measure"`
	Log     bool `json:"log"`
	Draw    bool `json:"draw"`
}

// Status is a snapshot for the UI.
type Status struct {
	Connected    bool   `json:"connected"`
	Endpoint     string `json:"endpoint,omitempty"`
	Platform     string `json:"platform,omitempty"`
	State        string `json:"state"`
	Generating   bool   `json:"generating"`
	BufferSize   int    `json:"bufferSize"`
	RateIndex    int    `json:"rateIndex"`
	SampleRate   int    `json:"sampleRate"`
	SampleRates  []int  `json:"sampleRates"`
	DeviceStatus string `json:"deviceStatus,omitempty"`
	DeviceError  string `json:"deviceError,omitempty"`
	InputDrawing bool   `json:"inputDrawing"`
	AudioPath    string `json:"audioPath,omitempty"`
	LogPath      string `json:"logPath,omitempty"`
	LogRunID     string `json:"logRunId,omitempty"`
	Queued       int    `json:"queued"`
	RunningFor   string `json:"runningFor,omitempty"`
}

// Controller drives one device on behalf of a UI.
type Controller struct {
	opts   Options
	events *Events
	bufs   *stream.Buffers
	input  atomic.Bool

	base   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sess      *device.Session
	pollStop  context.CancelFunc
	runStop   context.CancelFunc
	genStop   context.CancelFunc
	genDone   chan struct{}
	poll      sync.WaitGroup
	run       sync.WaitGroup
	gen       sync.WaitGroup
	audio     *wav.Clip
	audioPath string
	sink      *logger.Logger
	logPath   string
	logRunID  string
	started   time.Time
}

// New returns a disconnected controller.
func New(opts Options) *Controller {
	if opts.Scanner == nil {
		opts.Scanner = transport.NewScanner("")
	}
	if opts.Dial == nil {
		opts.Dial = device.Open
	}
	if opts.Clock == nil {
		opts.Clock = retry.RealClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:   opts,
		events: NewEvents(0),
		bufs:   stream.NewBuffers(),
		base:   ctx,
		cancel: cancel,
	}
}

// Events returns the user message backlog.
func (c *Controller) Events() *Events { return c.events }

// Buffers returns the draw and input queues.
func (c *Controller) Buffers() *stream.Buffers { return c.bufs }

func (c *Controller) spawn(wg *sync.WaitGroup, name string, fn func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[control] %s task ended: %v", name, err)
		}
	}()
}

// fail reports err to the user and returns it.
func (c *Controller) fail(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, device.ErrNotConnected):
		c.events.Log("No device connected.")
	case errors.Is(err, device.ErrConnectionLost):
		// The session already said "Lost connection!".
	default:
		c.events.Log("Error: " + err.Error())
	}
	return err
}

// sessionLocked returns the live session. Caller holds c.mu.
func (c *Controller) sessionLocked() (*device.Session, error) {
	if c.sess == nil || !c.sess.Connected() {
		return nil, c.fail(device.ErrNotConnected)
	}
	return c.sess, nil
}

// Connect opens the configured port, or the newest scanned device, and starts
// status polling. Connecting while connected is a no-op.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil && c.sess.Connected() {
		return nil
	}
	c.teardownLocked()

	endpoint := c.opts.Port
	if endpoint == "" {
		ports, err := c.opts.Scanner.Scan()
		if err != nil {
			log.Printf("[control] %v", err)
		}
		if len(ports) == 0 {
			c.events.Log("No devices found.")
			return device.ErrNoDevice
		}
		endpoint = ports[0]
	}

	sess, err := c.opts.Dial(endpoint, device.Options{
		Transport: c.opts.Transport,
		Notify:    c.events.Log,
	})
	if err != nil {
		log.Printf("[control] %v", err)
		c.events.Log("Failed to connect (check permissions?).")
		return err
	}
	c.sess = sess

	if n := c.opts.BufferSize; n > 0 {
		if err := sess.SetBufferSize(clampBufferSize(n)); err != nil {
			log.Printf("[control] initial buffer size %d: %v", n, err)
		}
	}
	if hz := c.opts.SampleRate; hz > 0 {
		if idx, ok := protocol.RateIndex(hz); ok {
			if err := c.verifySampleRate(sess, idx); err != nil {
				log.Printf("[control] initial sample rate %d Hz: %v", hz, err)
			}
		} else {
			log.Printf("[control] unsupported sample rate %d Hz, keeping device setting", hz)
		}
	}

	c.events.Log("Connected!")

	ctx, cancel := context.WithCancel(c.base)
	c.pollStop = cancel
	p := &stream.Poller{Device: sess, Pacing: c.opts.Pacing, Notify: c.events.Log}
	c.spawn(&c.poll, "status", func() error { return p.Run(ctx) })
	return nil
}

// Disconnect ends the session and waits for its tasks to exit.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return c.fail(device.ErrNotConnected)
	}
	c.teardownLocked()
	c.events.Log("Disconnected.")
	return nil
}

// teardownLocked drops the current session, lost or not. Caller holds c.mu.
func (c *Controller) teardownLocked() {
	if c.sess == nil {
		return
	}
	if err := c.sess.Disconnect(); err != nil {
		log.Printf("[control] close: %v", err)
	}
	for _, stop := range []context.CancelFunc{c.runStop, c.genStop, c.pollStop} {
		if stop != nil {
			stop()
		}
	}
	c.run.Wait()
	c.gen.Wait()
	c.poll.Wait()
	c.runStop, c.genStop, c.pollStop = nil, nil, nil
	c.genDone = nil
	c.bufs.SetSink(nil)
	c.sess = nil
}

// Close disconnects and releases everything the controller holds.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.closeSinkLocked(false)
	c.cancel()
}

func clampBufferSize(n int) int {
	if n < protocol.MinBufferSize {
		return protocol.MinBufferSize
	}
	if n > protocol.SamplesMax {
		return protocol.SamplesMax
	}
	return n
}

// SetBufferSize clamps n to the supported range and applies it.
func (c *Controller) SetBufferSize(n int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return 0, err
	}
	n = clampBufferSize(n)
	if err := s.SetBufferSize(n); err != nil {
		if errors.Is(err, device.ErrInvalidState) {
			c.events.Log("Cannot change buffer size while running.")
			return 0, err
		}
		return 0, c.fail(err)
	}
	return n, nil
}

// SetSampleRate sets the rate by index and confirms it took effect.
func (c *Controller) SetSampleRate(idx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return err
	}
	if err := c.verifySampleRate(s, idx); err != nil {
		if errors.Is(err, device.ErrInvalidState) {
			c.events.Log("Cannot change sample rate while running.")
			return err
		}
		return c.fail(err)
	}
	return nil
}

func (c *Controller) verifySampleRate(s *device.Session, idx int) error {
	policy := retry.Policy{MaxAttempts: 10, Delay: 10 * time.Millisecond}
	err := retry.Do(c.base, c.opts.Clock, policy, func(int) (bool, error) {
		if err := s.SetSampleRate(idx); err != nil {
			return false, err
		}
		got, err := s.QuerySampleRate()
		if err != nil {
			return false, err
		}
		return got == idx, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return fmt.Errorf("sample rate %d not confirmed by device", protocol.RateHz(idx))
	}
	return err
}

// Start begins a continuous or measuring run.
func (c *Controller) Start(opts StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return err
	}
	if s.IsRunning() {
		c.events.Log("Error: Device already running...")
		return device.ErrInvalidState
	}

	c.bufs.Reset()
	ctx, cancel := context.WithCancel(c.base)

	if opts.Measure {
		if err := s.StartMeasuring(); err != nil {
			cancel()
			return c.fail(err)
		}
		c.spawn(&c.run, "measure", func() error {
			return stream.Measure(ctx, s, c.opts.Pacing, nil, c.events.Log)
		})
	} else {
		if err := s.StartContinuous(); err != nil {
			cancel()
			return c.fail(err)
		}
		if opts.Log && c.sink != nil {
			c.bufs.SetSink(c.sink)
		}
		if opts.Draw || opts.Log || c.audio != nil {
			r := &stream.Reader{
				Device:  s,
				Buffers: c.bufs,
				Pacing:  c.opts.Pacing,
				Input:   &c.input,
				Notify:  c.events.Log,
			}
			c.spawn(&c.run, "reader", func() error { return r.Run(ctx) })
		}
	}

	c.runStop = cancel
	c.started = time.Now()
	c.events.Log("Running.")
	return nil
}

// Stop ends the current run. Both lock domains are held while the stop is
// sent so a reader cannot begin another exchange in between.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return err
	}
	c.bufs.Hold(func() {
		err = s.WithLock(func(tx *device.Tx) error {
			time.Sleep(stopGrace)
			return tx.Stop()
		})
	})
	if c.runStop != nil {
		c.runStop()
		c.run.Wait()
		c.runStop = nil
	}
	c.bufs.SetSink(nil)
	c.closeSinkLocked(true)
	if err != nil {
		return c.fail(err)
	}
	c.started = time.Time{}
	c.events.Log("Ready.")
	return nil
}

func (c *Controller) closeSinkLocked(announce bool) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Close(); err != nil {
		log.Printf("[control] log close: %v", err)
	}
	c.sink, c.logPath, c.logRunID = nil, "", ""
	if announce {
		c.events.Log("Log file saved and closed.")
	}
}

// StartGenerating turns the DAC output on. With an audio clip loaded a feed
// task streams it; otherwise the last uploaded buffer repeats.
func (c *Controller) StartGenerating() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return err
	}
	if c.feeding() || s.IsGenerating() {
		return nil
	}
	if c.audio != nil {
		ctx, cancel := context.WithCancel(c.base)
		done := make(chan struct{})
		c.genStop, c.genDone = cancel, done
		g := &stream.Generator{Device: s, Source: c.audio, Pacing: c.opts.Pacing}
		c.spawn(&c.gen, "generator", func() error {
			defer close(done)
			return g.Run(ctx)
		})
	} else if err := s.StartGenerating(); err != nil {
		return c.fail(err)
	}
	c.events.Log("Generator started.")
	return nil
}

// feeding reports whether a feed task is still running, including one that
// has not finished priming. Caller holds c.mu.
func (c *Controller) feeding() bool {
	if c.genStop == nil {
		return false
	}
	select {
	case <-c.genDone:
		c.genStop()
		c.genStop, c.genDone = nil, nil
		return false
	default:
		return true
	}
}

// StopGenerating turns the DAC output off and waits for any feed task.
func (c *Controller) StopGenerating() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return err
	}
	if c.genStop != nil {
		c.genStop()
		c.gen.Wait()
		c.genStop, c.genDone = nil, nil
	}
	if err := s.StopGenerating(); err != nil {
		return c.fail(err)
	}
	c.events.Log("Generator stopped.")
	return nil
}

// UploadFilter loads a compiled algorithm binary.
func (c *Controller) UploadFilter(bin []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return err
	}
	switch {
	case s.IsRunning():
		c.events.Log("Cannot upload algorithm while running.")
		return device.ErrInvalidState
	case len(bin) == 0:
		c.events.Log("Algorithm must be compiled first.")
		return device.ErrInvalidArgument
	}
	if err := s.UploadFilter(bin); err != nil {
		return c.fail(err)
	}
	c.events.Log("Algorithm uploaded.")
	return nil
}

// UnloadFilter restores pass-through processing.
func (c *Controller) UnloadFilter() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return err
	}
	if s.IsRunning() {
		c.events.Log("Cannot unload algorithm while running.")
		return device.ErrInvalidState
	}
	if err := s.UnloadFilter(); err != nil {
		return c.fail(err)
	}
	c.events.Log("Algorithm unloaded.")
	return nil
}

// UploadGeneratorSamples sends a DAC buffer to the signal generator.
func (c *Controller) UploadGeneratorSamples(samples []protocol.Sample) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionLocked()
	if err != nil {
		return err
	}
	if err := s.UploadGenerator(samples); err != nil {
		if errors.Is(err, device.ErrBusy) {
			c.events.Log("Error: Generator busy, try again.")
			return err
		}
		return c.fail(err)
	}
	c.events.Log("Generator ready.")
	return nil
}

// LoadGeneratorList parses a textual sample list and uploads it.
func (c *Controller) LoadGeneratorList(text string) error {
	samples, err := ParseSampleList(text)
	if err != nil {
		c.events.Log(sampleListMessage(err))
		return err
	}
	return c.UploadGeneratorSamples(samples)
}

// LoadAudio makes a WAV clip the generator source.
func (c *Controller) LoadAudio(path string) error {
	clip, err := wav.Load(path)
	if err != nil {
		log.Printf("[control] %v", err)
		c.events.Log("Error: Bad WAV audio file.")
		return err
	}
	c.mu.Lock()
	c.audio, c.audioPath = clip, path
	c.mu.Unlock()
	c.events.Log("Audio file loaded.")
	return nil
}

// LoadLogSink opens path for the next logged run, replacing any earlier file.
func (c *Controller) LoadLogSink(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	runID := uuid.NewString()
	l, err := logger.New(logger.Config{Path: path, MaxRows: c.opts.LogMaxRows, RunID: runID})
	if err != nil {
		log.Printf("[control] %v", err)
		c.events.Log("Error: Could not open log file.")
		return err
	}
	attached := c.sink != nil && c.bufs.Sink() == stream.Sink(c.sink)
	c.closeSinkLocked(false)
	c.sink, c.logPath, c.logRunID = l, path, runID
	if attached {
		c.bufs.SetSink(l)
	}
	c.events.Log("Log file ready.")
	return nil
}

// SetInputDrawing toggles reading the raw input chunk alongside output.
func (c *Controller) SetInputDrawing(on bool) {
	c.input.Store(on)
}

// Snapshot returns the current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:        device.StateDisconnected.String(),
		SampleRates:  protocol.SampleRates(),
		InputDrawing: c.input.Load(),
		AudioPath:    c.audioPath,
		LogPath:      c.logPath,
		LogRunID:     c.logRunID,
		Queued:       c.bufs.Len(),
	}
	s := c.sess
	if s == nil || !s.Connected() {
		return st
	}
	st.Connected = true
	st.Endpoint = s.Endpoint()
	st.Platform = s.Platform().String()
	st.State = s.State().String()
	st.Generating = s.IsGenerating()
	st.BufferSize = s.BufferSize()
	st.RateIndex = s.SampleRateIndex()
	st.SampleRate = s.SampleRateHz()
	if rs, de := s.LastStatus(); rs != protocol.RunStatusUnknown {
		st.DeviceStatus = rs.String()
		if de != protocol.ErrorNone {
			st.DeviceError = de.String()
		}
	}
	if s.IsRunning() && !c.started.IsZero() {
		st.RunningFor = time.Since(c.started).Round(time.Second).String()
	}
	return st
}
