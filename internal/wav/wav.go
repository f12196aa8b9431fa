// Package wav decodes PCM WAV clips used as signal generator sources.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	ErrNotWAV      = errors.New("wav: not a RIFF/WAVE file")
	ErrUnsupported = errors.New("wav: only 16-bit PCM is supported")
	ErrNoData      = errors.New("wav: no sample data")
)

const formatPCM = 1

// Clip is a decoded mono view of a WAV file. Next loops over it forever.
type Clip struct {
	SampleRate int
	Channels   int

	mu      sync.Mutex
	samples []int16
	pos     int
}

// Load reads and decodes the WAV file at path.
func Load(path string) (*Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

// Decode parses a RIFF/WAVE stream. Only the first channel is kept.
func Decode(r io.Reader) (*Clip, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, ErrNotWAV
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		c         Clip
		bits      int
		haveFmt   bool
		chunkHead [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunkHead[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrNoData
			}
			return nil, fmt.Errorf("wav: %w", err)
		}
		id := string(chunkHead[0:4])
		size := int64(binary.LittleEndian.Uint32(chunkHead[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav: fmt chunk too short (%d)", size)
			}
			body, err := readChunk(r, size)
			if err != nil {
				return nil, fmt.Errorf("wav: fmt chunk: %w", err)
			}
			if int64(len(body)) < size {
				return nil, fmt.Errorf("wav: fmt chunk: %w", io.ErrUnexpectedEOF)
			}
			if binary.LittleEndian.Uint16(body[0:2]) != formatPCM {
				return nil, ErrUnsupported
			}
			c.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			c.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = int(binary.LittleEndian.Uint16(body[14:16]))
			if bits != 16 || c.Channels < 1 {
				return nil, ErrUnsupported
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("wav: data chunk before fmt chunk")
			}
			// Streaming writers leave the size at 0xFFFFFFFF, and truncated
			// files keep whatever complete frames arrived.
			body, err := readChunk(r, size)
			if err != nil {
				return nil, fmt.Errorf("wav: data chunk: %w", err)
			}
			frame := 2 * c.Channels
			frames := len(body) / frame
			if frames == 0 {
				return nil, ErrNoData
			}
			c.samples = make([]int16, frames)
			for i := range c.samples {
				c.samples[i] = int16(binary.LittleEndian.Uint16(body[i*frame:]))
			}
			return &c, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size&1); err != nil {
				return nil, ErrNoData
			}
			continue
		}
		if size&1 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, ErrNoData
			}
		}
	}
}

// readChunk reads up to size bytes. The buffer grows with the data actually
// present, never with the size claimed by the header.
func readChunk(r io.Reader, size int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, size))
}

// Len returns the clip length in samples.
func (c *Clip) Len() int { return len(c.samples) }

// Next fills buf with the following samples, wrapping at the end of the clip.
func (c *Clip) Next(buf []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range buf {
		buf[i] = c.samples[c.pos]
		c.pos++
		if c.pos == len(c.samples) {
			c.pos = 0
		}
	}
}
