package protocol

import (
	"encoding/binary"
	"fmt"
)

// Command opcodes. Every request starts with exactly one of these bytes.
const (
	OpIdentify        byte = 'i'
	OpSetBufferSize   byte = 'B'
	OpSampleRate      byte = 'r'
	OpStart           byte = 'R'
	OpStartMeasure    byte = 'M'
	OpStop            byte = 'S'
	OpMeasurement     byte = 'm'
	OpReadChunk       byte = 's'
	OpReadInputChunk  byte = 't'
	OpNext            byte = 'n'
	OpUploadGenerator byte = 'D'
	OpStartGenerator  byte = 'W'
	OpStopGenerator   byte = 'w'
	OpUploadFilter    byte = 'E'
	OpUnloadFilter    byte = 'e'
	OpStatus          byte = 'I'
)

const (
	SampleWidth  = 2   // bytes per sample on the wire
	SubChunkSize = 512 // max bytes per acknowledged block

	IdentifyLen    = 7
	IdentifyPrefix = "stmdsp"

	SamplesMax          = 4096
	MinBufferSize       = 100
	MaxBufferSize       = SamplesMax
	MaxGeneratorSamples = SamplesMax * 2
	MaxUploadSize       = 0xFFFF

	RateQuery byte = 0xFF

	MidRail   Sample = 2048
	MaxSample Sample = 4095
)

// Sample is a 12-bit ADC/DAC code carried in 16 bits.
type Sample = uint16

// sampleRates maps a rate index to Hz.
var sampleRates = [...]int{8000, 16000, 20000, 32000, 48000, 96000}

// NumSampleRates is the number of valid rate indices.
const NumSampleRates = len(sampleRates)

// RateHz returns the sample rate for idx, or 0 if idx is out of range.
func RateHz(idx int) int {
	if idx < 0 || idx >= len(sampleRates) {
		return 0
	}
	return sampleRates[idx]
}

// RateIndex returns the index of hz in the rate table.
func RateIndex(hz int) (int, bool) {
	for i, r := range sampleRates {
		if r == hz {
			return i, true
		}
	}
	return 0, false
}

// SampleRates returns a copy of the rate table.
func SampleRates() []int {
	out := make([]int, len(sampleRates))
	copy(out, sampleRates[:])
	return out
}

// Platform is the hardware family reported by the identify handshake.
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformH7
	PlatformL4
)

func (p Platform) String() string {
	switch p {
	case PlatformH7:
		return "H7"
	case PlatformL4:
		return "L4"
	default:
		return "unknown"
	}
}

// ParseIdentify validates the 7-byte identify response.
func ParseIdentify(resp []byte) (Platform, error) {
	if len(resp) != IdentifyLen {
		return PlatformUnknown, fmt.Errorf("identify: got %d bytes, want %d", len(resp), IdentifyLen)
	}
	if string(resp[:len(IdentifyPrefix)]) != IdentifyPrefix {
		return PlatformUnknown, fmt.Errorf("identify: unexpected response % X", resp)
	}
	switch resp[IdentifyLen-1] {
	case 'h':
		return PlatformH7, nil
	case 'l':
		return PlatformL4, nil
	}
	return PlatformUnknown, fmt.Errorf("identify: unknown platform byte %q", resp[IdentifyLen-1])
}

// EncodeSetBufferSize builds the 'B' request.
func EncodeSetBufferSize(n int) []byte {
	return EncodeUploadHeader(OpSetBufferSize, n)
}

// EncodeSampleRate builds the 'r' request. Pass RateQuery to read the current index.
func EncodeSampleRate(idx byte) []byte {
	return []byte{OpSampleRate, idx}
}

// EncodeUploadHeader builds an opcode followed by a little-endian uint16 length.
func EncodeUploadHeader(op byte, n int) []byte {
	buf := make([]byte, 3)
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:], uint16(n))
	return buf
}

// EncodeSamples serializes samples as little-endian uint16.
func EncodeSamples(samples []Sample) []byte {
	buf := make([]byte, len(samples)*SampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*SampleWidth:], s)
	}
	return buf
}

// DecodeSamples is the inverse of EncodeSamples. A trailing odd byte is ignored.
func DecodeSamples(b []byte) []Sample {
	out := make([]Sample, len(b)/SampleWidth)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*SampleWidth:])
	}
	return out
}

// DecodeSize reads the 2-byte chunk size header (in samples).
func DecodeSize(b []byte) int {
	return int(binary.LittleEndian.Uint16(b))
}

// DecodeMeasurement reads the 4-byte cycle count. The firmware counts every
// cycle twice, so the result is halved.
func DecodeMeasurement(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b) / 2
}

// PadEven duplicates the last sample when len(samples) is odd; the DAC
// buffer must be of even size.
func PadEven(samples []Sample) []Sample {
	if len(samples)%2 == 0 {
		return samples
	}
	out := make([]Sample, len(samples)+1)
	copy(out, samples)
	out[len(samples)] = samples[len(samples)-1]
	return out
}

// RunStatus is the device's own view of its conversion state.
type RunStatus byte

const (
	RunStatusUnknown    RunStatus = 0
	RunStatusIdle       RunStatus = '1'
	RunStatusRunning    RunStatus = '2'
	RunStatusRecovering RunStatus = '3'
)

func (r RunStatus) String() string {
	switch r {
	case RunStatusIdle:
		return "idle"
	case RunStatusRunning:
		return "running"
	case RunStatusRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("unknown(%d)", byte(r))
	}
}

// DeviceError is an error code reported by the status command. These are
// device-state conditions, not transport failures.
type DeviceError byte

const (
	ErrorNone DeviceError = iota
	ErrorBadParam
	ErrorBadParamSize
	ErrorBadUserCodeLoad
	ErrorBadUserCodeSize
	ErrorNotIdle
	ErrorConversionAborted
)

func (e DeviceError) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorBadParam:
		return "bad parameter"
	case ErrorBadParamSize:
		return "bad parameter size"
	case ErrorBadUserCodeLoad:
		return "bad user code load"
	case ErrorBadUserCodeSize:
		return "bad user code size"
	case ErrorNotIdle:
		return "not idle"
	case ErrorConversionAborted:
		return "conversion aborted"
	default:
		return fmt.Sprintf("unknown(%d)", byte(e))
	}
}

// DecodeStatus splits the 2-byte status response.
func DecodeStatus(b []byte) (RunStatus, DeviceError) {
	return RunStatus(b[0]), DeviceError(b[1])
}
