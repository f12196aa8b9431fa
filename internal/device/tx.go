package device

import (
	"fmt"
	"log"

	"github.com/shaunagostinho/stmdsp-dash/internal/protocol"
	"github.com/shaunagostinho/stmdsp-dash/internal/transport"
)

// Tx performs exchanges while the I/O lock is held. It is only valid inside
// the WithLock/TryWithLock callback that produced it.
type Tx struct {
	s *Session
}

// conn returns the transport and current state, or ErrNotConnected.
func (tx *Tx) conn() (*transport.Transport, State, error) {
	s := tx.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateDisconnected || s.tr == nil {
		return nil, StateDisconnected, ErrNotConnected
	}
	return s.tr, s.state, nil
}

func (tx *Tx) setState(st State) {
	tx.s.mu.Lock()
	if tx.s.state != StateDisconnected {
		tx.s.state = st
	}
	tx.s.mu.Unlock()
}

// command writes a request with no response.
func (tx *Tx) command(op string, req []byte) error {
	tr, _, err := tx.conn()
	if err != nil {
		return err
	}
	if err := tr.Write(op, req); err != nil {
		return tx.s.invalidate(op, err)
	}
	return nil
}

// query writes a request and reads a fixed-size response.
func (tx *Tx) query(op string, req []byte, n int) ([]byte, error) {
	tr, _, err := tx.conn()
	if err != nil {
		return nil, err
	}
	if err := tr.Write(op, req); err != nil {
		return nil, tx.s.invalidate(op, err)
	}
	resp := make([]byte, n)
	if err := tr.ReadFull(op, resp); err != nil {
		return nil, tx.s.invalidate(op, err)
	}
	return resp, nil
}

// SetBufferSize sets the samples per chunk. Not allowed while running or generating.
func (tx *Tx) SetBufferSize(n int) error {
	_, st, err := tx.conn()
	if err != nil {
		return err
	}
	if st != StateIdle || tx.s.IsGenerating() {
		return fmt.Errorf("%w: cannot change buffer size while %s", ErrInvalidState, tx.activity(st))
	}
	if n < protocol.MinBufferSize || n > protocol.MaxBufferSize {
		return fmt.Errorf("%w: buffer size %d outside [%d,%d]", ErrInvalidArgument, n, protocol.MinBufferSize, protocol.MaxBufferSize)
	}
	if err := tx.command("set buffer size", protocol.EncodeSetBufferSize(n)); err != nil {
		return err
	}
	tx.s.mu.Lock()
	tx.s.bufferSize = n
	tx.s.mu.Unlock()
	return nil
}

// SetSampleRate selects one of the six rate indices. Not allowed while running.
func (tx *Tx) SetSampleRate(idx int) error {
	_, st, err := tx.conn()
	if err != nil {
		return err
	}
	if st != StateIdle {
		return fmt.Errorf("%w: cannot change sample rate while %s", ErrInvalidState, st)
	}
	if idx < 0 || idx >= protocol.NumSampleRates {
		return fmt.Errorf("%w: sample rate index %d", ErrInvalidArgument, idx)
	}
	if err := tx.command("set sample rate", protocol.EncodeSampleRate(byte(idx))); err != nil {
		return err
	}
	tx.s.mu.Lock()
	tx.s.rateIndex = idx
	tx.s.mu.Unlock()
	return nil
}

// QuerySampleRate asks the device for its rate index. While running the
// device cannot answer, so the cached index is returned.
func (tx *Tx) QuerySampleRate() (int, error) {
	_, st, err := tx.conn()
	if err != nil {
		return 0, err
	}
	if st == StateRunning || st == StateMeasuring {
		return tx.s.SampleRateIndex(), nil
	}
	resp, err := tx.query("query sample rate", protocol.EncodeSampleRate(protocol.RateQuery), 1)
	if err != nil {
		return 0, err
	}
	idx := int(resp[0])
	if idx >= protocol.NumSampleRates {
		return 0, tx.s.invalidate("query sample rate", transport.Protocol("query sample rate", "rate index %d out of range", idx))
	}
	tx.s.mu.Lock()
	tx.s.rateIndex = idx
	tx.s.mu.Unlock()
	return idx, nil
}

func (tx *Tx) start(op string, opcode byte, next State) error {
	_, st, err := tx.conn()
	if err != nil {
		return err
	}
	if st != StateIdle {
		return fmt.Errorf("%w: already %s", ErrInvalidState, st)
	}
	if err := tx.command(op, []byte{opcode}); err != nil {
		return err
	}
	tx.setState(next)
	return nil
}

// StartContinuous begins streaming conversion.
func (tx *Tx) StartContinuous() error {
	return tx.start("start", protocol.OpStart, StateRunning)
}

// StartMeasuring begins conversion with execution-time measurement.
func (tx *Tx) StartMeasuring() error {
	return tx.start("start measure", protocol.OpStartMeasure, StateMeasuring)
}

// Measurement returns the measured cycle count (already halved).
func (tx *Tx) Measurement() (uint32, error) {
	resp, err := tx.query("measurement", []byte{protocol.OpMeasurement}, 4)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeMeasurement(resp), nil
}

// Stop always sends the stop command, since the device may still be running
// when the local state says otherwise.
func (tx *Tx) Stop() error {
	if err := tx.command("stop", []byte{protocol.OpStop}); err != nil {
		return err
	}
	tx.setState(StateIdle)
	return nil
}

// ReadChunk reads one processed chunk. An empty result means no data yet.
func (tx *Tx) ReadChunk() ([]protocol.Sample, error) {
	return tx.readChunk("read chunk", protocol.OpReadChunk)
}

// ReadInputChunk reads one raw input chunk.
func (tx *Tx) ReadInputChunk() ([]protocol.Sample, error) {
	return tx.readChunk("read input chunk", protocol.OpReadInputChunk)
}

func (tx *Tx) readChunk(op string, opcode byte) ([]protocol.Sample, error) {
	resp, err := tx.query(op, []byte{opcode}, 2)
	if err != nil {
		return nil, err
	}
	size := protocol.DecodeSize(resp)
	if size == 0 {
		return nil, nil
	}
	if limit := tx.s.BufferSize(); size > limit {
		return nil, tx.s.invalidate(op, transport.Protocol(op, "chunk size %d exceeds buffer size %d", size, limit))
	}

	tr, _, err := tx.conn()
	if err != nil {
		return nil, err
	}
	data := make([]byte, size*protocol.SampleWidth)
	for off := 0; off < len(data); off += protocol.SubChunkSize {
		end := min(off+protocol.SubChunkSize, len(data))
		if err := tr.ReadFull(op, data[off:end]); err != nil {
			return nil, tx.s.invalidate(op, err)
		}
		if err := tr.Write(op, []byte{protocol.OpNext}); err != nil {
			return nil, tx.s.invalidate(op, err)
		}
	}
	return protocol.DecodeSamples(data), nil
}

// UploadGenerator sends a DAC buffer. Odd-length buffers are padded by
// repeating the last sample. While generating, the device acknowledges the
// header with one byte; zero means it is busy and ErrBusy is returned.
func (tx *Tx) UploadGenerator(samples []protocol.Sample) error {
	tr, _, err := tx.conn()
	if err != nil {
		return err
	}
	if len(samples) == 0 || len(samples) > protocol.MaxGeneratorSamples {
		return fmt.Errorf("%w: %d generator samples, want 1..%d", ErrInvalidArgument, len(samples), protocol.MaxGeneratorSamples)
	}
	for i, v := range samples {
		if v > protocol.MaxSample {
			return fmt.Errorf("%w: sample %d value %d exceeds %d", ErrInvalidArgument, i, v, protocol.MaxSample)
		}
	}
	samples = protocol.PadEven(samples)

	const op = "upload generator"
	if err := tr.Write(op, protocol.EncodeUploadHeader(protocol.OpUploadGenerator, len(samples))); err != nil {
		return tx.s.invalidate(op, err)
	}
	if tx.s.IsGenerating() {
		ack := make([]byte, 1)
		if err := tr.ReadFull(op, ack); err != nil {
			return tx.s.invalidate(op, err)
		}
		if ack[0] == 0 {
			return ErrBusy
		}
	}
	if err := tr.Write(op, protocol.EncodeSamples(samples)); err != nil {
		return tx.s.invalidate(op, err)
	}
	return nil
}

// StartGenerating turns the DAC output on.
func (tx *Tx) StartGenerating() error {
	if err := tx.command("start generator", []byte{protocol.OpStartGenerator}); err != nil {
		return err
	}
	tx.s.mu.Lock()
	tx.s.generating = tx.s.state != StateDisconnected
	tx.s.mu.Unlock()
	return nil
}

// StopGenerating turns the DAC output off.
func (tx *Tx) StopGenerating() error {
	if err := tx.command("stop generator", []byte{protocol.OpStopGenerator}); err != nil {
		return err
	}
	tx.s.mu.Lock()
	tx.s.generating = false
	tx.s.mu.Unlock()
	return nil
}

// UploadFilter loads a compiled algorithm. Not allowed while running.
func (tx *Tx) UploadFilter(bin []byte) error {
	_, st, err := tx.conn()
	if err != nil {
		return err
	}
	if st != StateIdle {
		return fmt.Errorf("%w: cannot upload algorithm while %s", ErrInvalidState, st)
	}
	if len(bin) == 0 || len(bin) > protocol.MaxUploadSize {
		return fmt.Errorf("%w: algorithm size %d", ErrInvalidArgument, len(bin))
	}
	const op = "upload filter"
	req := append(protocol.EncodeUploadHeader(protocol.OpUploadFilter, len(bin)), bin...)
	return tx.command(op, req)
}

// UnloadFilter removes the loaded algorithm. Not allowed while running.
func (tx *Tx) UnloadFilter() error {
	_, st, err := tx.conn()
	if err != nil {
		return err
	}
	if st != StateIdle {
		return fmt.Errorf("%w: cannot unload algorithm while %s", ErrInvalidState, st)
	}
	return tx.command("unload filter", []byte{protocol.OpUnloadFilter})
}

// Status polls the device and reconciles the local run state with it. The
// device is authoritative: if it reports idle while we think it is running,
// the local state becomes idle without sending a stop.
func (tx *Tx) Status() (protocol.RunStatus, protocol.DeviceError, error) {
	resp, err := tx.query("status", []byte{protocol.OpStatus}, 2)
	if err != nil {
		return protocol.RunStatusUnknown, protocol.ErrorNone, err
	}
	rs, de := protocol.DecodeStatus(resp)

	s := tx.s
	s.mu.Lock()
	s.lastStatus, s.lastError = rs, de
	switch {
	case rs == protocol.RunStatusIdle && (s.state == StateRunning || s.state == StateMeasuring):
		log.Printf("[device] device reports idle while %s, resyncing", s.state)
		s.state = StateIdle
	case rs == protocol.RunStatusRunning && s.state == StateIdle:
		log.Printf("[device] device reports running while idle, resyncing")
		s.state = StateRunning
	}
	s.mu.Unlock()
	return rs, de, nil
}

func (tx *Tx) activity(st State) string {
	if st == StateIdle {
		return "generating"
	}
	return st.String()
}
